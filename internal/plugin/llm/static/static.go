// Package static implements a canned responder for tests and local
// evaluation. It echoes a deterministic reply derived from the request.
package static

import (
	"context"
	"fmt"

	registryllm "github.com/chatlog-io/chatlog-service/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name: "static",
		Loader: func(ctx context.Context) (registryllm.Responder, error) {
			return &StaticResponder{}, nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// StaticResponder replies without calling any provider. Reply holds a fixed
// response; when empty the responder echoes the request.
type StaticResponder struct {
	Reply string
	// Err, when set, is returned from every Generate call. Used by tests to
	// exercise failure handling.
	Err error
}

func (r *StaticResponder) Name() string { return "static" }

func (r *StaticResponder) Generate(ctx context.Context, req registryllm.Request) (string, error) {
	if r.Err != nil {
		return "", r.Err
	}
	if r.Reply != "" {
		return r.Reply, nil
	}
	return fmt.Sprintf("echo: %s", req.Message), nil
}
