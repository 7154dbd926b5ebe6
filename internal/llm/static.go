package llm

import (
	"context"
	"fmt"
)

// FuncClient adapts a function to Client.
type FuncClient func(ctx context.Context, p Prompt) (string, error)

func (f FuncClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := f(ctx, p)
	if err != nil {
		return "", err
	}
	return normalize(text), nil
}

// StaticClient always answers with Response.
type StaticClient struct {
	Response string
}

func (s StaticClient) Complete(ctx context.Context, _ Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return normalize(s.Response), nil
}

// EchoClient answers offline by echoing the command. Used for demos without an API key.
type EchoClient struct{}

func (EchoClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return normalize(fmt.Sprintf("You said: %s", p.User)), nil
}
