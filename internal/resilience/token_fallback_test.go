package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/duplex/pkg/provider/token"
	tokenmock "github.com/MrWong99/duplex/pkg/provider/token/mock"
)

func TestTokenFallback_UsesPrimary(t *testing.T) {
	primary := &tokenmock.Source{Result: token.Credential{Value: "ek", Ephemeral: true}}
	f := NewTokenFallback(primary, "ephemeral", FallbackConfig{})
	f.AddFallback("static", token.NewStatic("sk"))

	cred, err := f.FetchToken(t.Context())
	if err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	if cred.Value != "ek" {
		t.Errorf("Value = %q, want ek", cred.Value)
	}
}

func TestTokenFallback_FallsBackToStatic(t *testing.T) {
	primary := &tokenmock.Source{Err: token.ErrUnavailable}
	f := NewTokenFallback(primary, "ephemeral", FallbackConfig{})
	f.AddFallback("static", token.NewStatic("sk"))

	cred, err := f.FetchToken(t.Context())
	if err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	if cred.Value != "sk" || cred.Ephemeral {
		t.Errorf("cred = %+v, want static sk", cred)
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
}

func TestTokenFallback_AllFail(t *testing.T) {
	f := NewTokenFallback(&tokenmock.Source{Err: token.ErrUnavailable}, "ephemeral", FallbackConfig{})
	f.AddFallback("static", token.NewStatic(""))

	_, err := f.FetchToken(t.Context())
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, token.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrAllFailed and ErrUnavailable", err)
	}
}

func TestTokenFallback_OpenBreakersStillReportUnavailable(t *testing.T) {
	primary := &tokenmock.Source{Err: token.ErrUnavailable}
	f := NewTokenFallback(primary, "ephemeral", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	_, _ = f.FetchToken(t.Context())

	_, err := f.FetchToken(t.Context())
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, token.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrCircuitOpen and ErrUnavailable", err)
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
	if got := f.Sources(); len(got) != 1 || got[0] != "ephemeral" {
		t.Errorf("Sources() = %v", got)
	}
}
