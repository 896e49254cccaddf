package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/guidegenie/guidegenie/internal/email"
	"github.com/guidegenie/guidegenie/internal/model"
)

type captureMailer struct {
	sent []email.Message
}

func (c *captureMailer) Send(_ context.Context, msg email.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func TestMemory_signUpCreatesRowThroughTrigger(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	sess, err := m.SignUp(ctx, SignUpParams{
		Email:    " Ana@Example.com ",
		Password: "s3cure-pass",
		Metadata: map[string]string{"name": "Ana", "user_type": "guide"},
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if sess.Identity.Email != "ana@example.com" {
		t.Errorf("email = %q, want normalised", sess.Identity.Email)
	}

	u, err := m.Users().Get(ctx, sess.Identity.ID)
	if err != nil {
		t.Fatalf("Users.Get: %v", err)
	}
	if u.UserType != model.UserTypeGuide || u.Name != "Ana" {
		t.Errorf("unexpected row: %+v", u)
	}
}

func TestMemory_rowDelay(t *testing.T) {
	m := NewMemory(MemoryOptions{RowDelay: 50 * time.Millisecond})
	ctx := context.Background()

	sess, err := m.SignUp(ctx, SignUpParams{
		Email:    "late@example.com",
		Password: "s3cure-pass",
		Metadata: map[string]string{"user_type": "tourist"},
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if _, err := m.Users().Get(ctx, sess.Identity.ID); !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected no row yet, got %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	u, err := m.Users().Get(ctx, sess.Identity.ID)
	if err != nil {
		t.Fatalf("expected row after delay: %v", err)
	}
	if u.Name != "late" {
		t.Errorf("name = %q, want email local-part", u.Name)
	}
}

func TestMemory_duplicateSignUp(t *testing.T) {
	m := NewMemory(MemoryOptions{DisableTrigger: true})
	ctx := context.Background()
	params := SignUpParams{Email: "dup@example.com", Password: "s3cure-pass"}
	if _, err := m.SignUp(ctx, params); err != nil {
		t.Fatalf("first SignUp: %v", err)
	}
	_, err := m.SignUp(ctx, params)
	perr, ok := IsProviderError(err)
	if !ok || perr.Status != 422 || perr.Message != MsgAlreadyRegistered {
		t.Fatalf("expected already-registered rejection, got %v", err)
	}
}

func TestMemory_signInAndSignOut(t *testing.T) {
	m := NewMemory(MemoryOptions{DisableTrigger: true})
	ctx := context.Background()
	if _, err := m.SignUp(ctx, SignUpParams{Email: "a@example.com", Password: "s3cure-pass"}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	if _, err := m.SignInWithPassword(ctx, "a@example.com", "wrong"); err == nil {
		t.Fatal("expected wrong password to fail")
	} else if perr, ok := IsProviderError(err); !ok || perr.Message != MsgInvalidLogin {
		t.Fatalf("expected invalid login, got %v", err)
	}

	sess, err := m.SignInWithPassword(ctx, "A@example.com", "s3cure-pass")
	if err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	if _, err := m.GetUser(ctx, sess.AccessToken); err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if err := m.SignOut(ctx, sess.AccessToken); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, err := m.GetUser(ctx, sess.AccessToken); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after signout, got %v", err)
	}
	if err := m.SignOut(ctx, sess.AccessToken); err == nil {
		t.Fatal("expected second signout to report a missing session")
	}
}

func TestMemory_recoveryFlow(t *testing.T) {
	mailer := &captureMailer{}
	m := NewMemory(MemoryOptions{DisableTrigger: true, Mailer: mailer})
	ctx := context.Background()
	if _, err := m.SignUp(ctx, SignUpParams{Email: "r@example.com", Password: "old-password"}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	if err := m.ResetPasswordForEmail(ctx, "unknown@example.com", "https://x/reset"); err != nil {
		t.Fatalf("unknown address should not error: %v", err)
	}
	if err := m.ResetPasswordForEmail(ctx, "r@example.com", "https://x/reset"); err != nil {
		t.Fatalf("ResetPasswordForEmail: %v", err)
	}
	token, ok := m.RecoveryToken("r@example.com")
	if !ok {
		t.Fatal("expected a recovery token")
	}
	if len(mailer.sent) != 1 || !strings.Contains(mailer.sent[0].Text, "https://x/reset?token="+token) {
		t.Fatalf("expected reset mail with link, got %+v", mailer.sent)
	}

	sess, err := m.VerifyRecovery(ctx, token)
	if err != nil {
		t.Fatalf("VerifyRecovery: %v", err)
	}
	newPass := "new-password"
	if _, err := m.UpdateUser(ctx, sess.AccessToken, UserAttributes{Password: &newPass}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if _, err := m.SignInWithPassword(ctx, "r@example.com", newPass); err != nil {
		t.Fatalf("sign in with new password: %v", err)
	}
	if _, err := m.VerifyRecovery(ctx, token); err == nil {
		t.Fatal("expected token to be single-use")
	}
}

func TestMemory_adminCreateUserSkipsTrigger(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	ctx := context.Background()

	id, err := m.CreateUser(ctx, AdminUserParams{
		Email:        "admin-made@example.com",
		Password:     "s3cure-pass",
		EmailConfirm: true,
		Metadata:     map[string]string{"user_type": "guide", "name": "G"},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !id.EmailConfirmed {
		t.Error("expected email to be pre-confirmed")
	}
	if _, err := m.Users().Get(ctx, id.ID); !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected no users row, got %v", err)
	}
	if err := m.DeleteUser(ctx, id.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := m.SignInWithPassword(ctx, "admin-made@example.com", "s3cure-pass"); err == nil {
		t.Fatal("expected deleted identity to be unable to sign in")
	}
}

func TestMemory_faultInjection(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	boom := errors.New("boom")
	m.Fail("users.Insert", boom)

	_, err := m.Users().Insert(context.Background(), &model.User{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if m.Calls("users.Insert") != 1 {
		t.Errorf("calls = %d, want 1", m.Calls("users.Insert"))
	}
	m.Fail("users.Insert", nil)
	_, err = m.Users().Insert(context.Background(), &model.User{})
	if errors.Is(err, boom) {
		t.Fatal("expected failure to be cleared")
	}
}

func TestMemory_eventsPublished(t *testing.T) {
	bus := NewMemoryBus()
	m := NewMemory(MemoryOptions{Bus: bus, DisableTrigger: true})
	var got []EventType
	unsub := m.OnAuthStateChange(func(e Event) { got = append(got, e.Type) })
	defer unsub()

	ctx := context.Background()
	sess, err := m.SignUp(ctx, SignUpParams{Email: "e@example.com", Password: "s3cure-pass"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if err := m.SignOut(ctx, sess.AccessToken); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if len(got) != 2 || got[0] != EventSignedIn || got[1] != EventSignedOut {
		t.Fatalf("events = %v", got)
	}
}
