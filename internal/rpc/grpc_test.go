package rpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/guidegenie/guidegenie/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func startGRPC(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(zap.NewNop())))
	f.router.RegisterGRPC(srv, f.sessions)
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_call(t *testing.T) {
	f := newFixture(t)
	token := f.signIn(t, "grpc@example.com", model.UserTypeTourist)
	conn := startGRPC(t, f)
	ctx := context.Background()

	var out echoOutput
	if err := NewClient(conn, "").Call(ctx, "demo.echo", echoInput{Text: "over grpc"}, &out); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if out.Text != "over grpc" {
		t.Errorf("echo text = %q", out.Text)
	}

	var email string
	if err := NewClient(conn, token).Call(ctx, "demo.whoami", nil, &email); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if email != "grpc@example.com" {
		t.Errorf("whoami = %q", email)
	}
}

func TestGRPC_errorsKeepTheirCode(t *testing.T) {
	f := newFixture(t)
	token := f.signIn(t, "grpc-tourist@example.com", model.UserTypeTourist)
	conn := startGRPC(t, f)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		path  string
		input any
		want  Code
	}{
		{"anonymous", "", "demo.whoami", nil, CodeUnauthorized},
		{"not admin", token, "demo.secret", nil, CodeForbidden},
		{"invalid input", "", "demo.echo", map[string]string{}, CodeBadRequest},
		{"unknown", "", "demo.nope", nil, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewClient(conn, tt.token).Call(ctx, tt.path, tt.input, nil)
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Fatalf("got %v, want *Error", err)
			}
			if rerr.Code != tt.want {
				t.Errorf("code = %s, want %s", rerr.Code, tt.want)
			}
		})
	}
}

func TestGRPC_signinAndSignoutUpdateTrackedSessions(t *testing.T) {
	f := newFixture(t)
	token := f.signIn(t, "grpc-session@example.com", model.UserTypeTourist)
	conn := startGRPC(t, f)
	ctx := context.Background()

	login := map[string]string{"email": "grpc-session@example.com", "password": "correct-horse-battery"}
	if err := NewClient(conn, "").Call(ctx, "demo.login", login, nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	if n := f.sessions.Len(); n != 1 {
		t.Fatalf("tracked after login = %d, want 1", n)
	}

	if err := NewClient(conn, token).Call(ctx, "demo.whoami", nil, nil); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if err := NewClient(conn, token).Call(ctx, "demo.logout", nil, nil); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if n := f.sessions.Len(); n != 1 {
		t.Errorf("tracked after logout = %d, want only the login session", n)
	}

	err := NewClient(conn, token).Call(ctx, "demo.whoami", nil, nil)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != CodeUnauthorized {
		t.Errorf("whoami with revoked token: %v, want UNAUTHORIZED", err)
	}
}
