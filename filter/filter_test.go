package filter

import (
	"strings"
	"testing"

	"github.com/dhcgn/otp-inbox/model"
)

func message(from, subject, body string) model.Message {
	return model.Message{
		ID:     "m",
		Header: map[string]string{"From": from, "Subject": subject},
		Root:   model.Part{MediaType: "text/plain", Encoding: model.EncodingIdentity, Body: []byte(body)},
	}
}

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{`From: .*@bank\.example`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(message("Banca <otp@bank.example>", "Codigo", "123456")) {
		t.Error("Expected message to be allowed (sender matches)")
	}
	if f.Allows(message("promo@shop.example", "Codigo", "123456")) {
		t.Error("Expected message to be filtered out (sender doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludeBody: []string{"(?i)unsubscribe"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(message("otp@bank.example", "OTP", "Your code is 123456")) {
		t.Error("Expected message to be allowed")
	}
	if f.Allows(message("news@bank.example", "Offers", "Save 654321 today. Unsubscribe here")) {
		t.Error("Expected newsletter to be filtered out")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	_, err := New(Options{IncludeBody: []string{"("}})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if !strings.Contains(err.Error(), "include-body") {
		t.Errorf("error %q does not name the flag", err)
	}
}

func TestFilter_Allows_IncludeBodyOrHeader(t *testing.T) {
	f, err := New(Options{
		IncludeHeader: []string{`From: .*@bank\.example`},
		IncludeBody:   []string{`(?i)codigo de acceso`},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(message("alerts@other.example", "Aviso", "Tu codigo de acceso es 135790")) {
		t.Error("Expected body pattern to admit the message")
	}
	if f.Allows(message("alerts@other.example", "Aviso", "Nada")) {
		t.Error("Expected message matching neither side to be filtered out")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("empty filter must not be active")
	}
	if !f.Allows(message("a@b", "Any", "Any body")) {
		t.Error("Expected message to be allowed when no filters are active")
	}

	var nilFilter *Filter
	if !nilFilter.Allows(message("a@b", "Any", "Any body")) {
		t.Error("nil filter must allow everything")
	}
}

func TestHeaderText(t *testing.T) {
	got := HeaderText(message("a@b", "Hi", ""))
	want := "From: a@b\nSubject: Hi\n"
	if got != want {
		t.Errorf("HeaderText() = %q, want %q", got, want)
	}
}
