package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/mailloft/mailloft/internal/models"
)

func TestMailgunSendBatch(t *testing.T) {
	var gotForm url.Values
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "api" || pass != "key-test" {
			t.Errorf("bad auth: %s %s", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		gotForm = r.PostForm
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":      "<20260829.1@mg.test>",
			"message": "Queued. Thank you.",
		})
	}))
	defer srv.Close()

	p := NewMailgunProvider(srv.URL, "key-test")
	identity := models.SenderIdentity{Domain: "mg.test", FromEmail: "no-reply@mg.test", FromName: "Test"}

	vars := Variables{"a@example.com": {"email": "a@example.com"}}
	id, err := p.SendBatch(context.Background(), identity,
		[]string{"a@example.com", "b@example.com"}, vars,
		Message{Subject: "hello", HTML: "<p>hi</p>", Tags: []string{"campaign-c1", "tenant-t1"}})
	if err != nil {
		t.Fatal(err)
	}
	if id != "<20260829.1@mg.test>" {
		t.Errorf("message id = %q", id)
	}

	if gotPath != "/v3/mg.test/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if len(gotForm["to"]) != 2 {
		t.Errorf("to = %v", gotForm["to"])
	}
	if len(gotForm["o:tag"]) != 2 {
		t.Errorf("tags = %v", gotForm["o:tag"])
	}
	if gotForm.Get("recipient-variables") == "" {
		t.Error("recipient-variables not sent")
	}
	if gotForm.Get("from") != "Test <no-reply@mg.test>" {
		t.Errorf("from = %q", gotForm.Get("from"))
	}
}

func TestMailgunAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewMailgunProvider(srv.URL, "key-test")
	_, err := p.SendBatch(context.Background(),
		models.SenderIdentity{Domain: "bad.test", FromEmail: "x@bad.test"},
		[]string{"a@example.com"}, nil, Message{Subject: "s"})

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", authErr.StatusCode)
	}
}

func TestMailgunServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewMailgunProvider(srv.URL, "key-test")
	_, err := p.SendBatch(context.Background(),
		models.SenderIdentity{Domain: "mg.test", FromEmail: "x@mg.test"},
		[]string{"a@example.com"}, nil, Message{Subject: "s"})

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestMailgunBaseURLNormalization(t *testing.T) {
	p := NewMailgunProvider("https://api.eu.mailgun.net/v3/", "k")
	if p.baseURL != "https://api.eu.mailgun.net" {
		t.Errorf("baseURL = %q", p.baseURL)
	}
}
