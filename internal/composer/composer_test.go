package composer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"outreach/internal/domain"
)

func TestRendererSubstitutesPlaceholders(t *testing.T) {
	contact := domain.Contact{
		FullName: "Ada Lovelace",
		Headline: "Engineer",
		Company:  "Analytical Engines",
	}
	project := domain.Project{Name: "Babbage", Pitch: "difference engines as a service"}

	got, err := Renderer{}.Personalize(context.Background(),
		"Hi {first_name}, saw you work at {company}. {project_name}: {project_pitch}.",
		contact, project)
	if err != nil {
		t.Fatalf("personalize: %v", err)
	}
	want := "Hi Ada, saw you work at Analytical Engines. Babbage: difference engines as a service."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRendererSingleWordName(t *testing.T) {
	got, err := Renderer{}.Personalize(context.Background(), "Hi {first_name}",
		domain.Contact{FullName: "Madonna"}, domain.Project{})
	if err != nil {
		t.Fatalf("personalize: %v", err)
	}
	if got != "Hi Madonna" {
		t.Fatalf("got %q", got)
	}
}

func TestClientPersonalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/personalize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"Hi Ada, composed upstream"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	got, err := c.Personalize(context.Background(), "tpl", domain.Contact{FullName: "Ada"}, domain.Project{})
	if err != nil {
		t.Fatalf("personalize: %v", err)
	}
	if got != "Hi Ada, composed upstream" {
		t.Fatalf("got %q", got)
	}
}

func TestClientPersonalizeEmptyMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":""}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	if _, err := c.Personalize(context.Background(), "tpl", domain.Contact{}, domain.Project{}); err == nil {
		t.Fatalf("expected error on empty composed message")
	}
}
