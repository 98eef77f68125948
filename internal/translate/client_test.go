package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"golang.org/x/text/unicode/norm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestTranslate(t *testing.T) {
	var gotQ, gotPair, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQ = r.URL.Query().Get("q")
		gotPair = r.URL.Query().Get("langpair")
		fmt.Fprint(w, `{"responseData":{"translatedText":"a cat on the moon","match":0.9},"responseStatus":200}`)
	})

	got, err := c.Translate(context.Background(), "  လပေါ်ကကြောင်  ")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "a cat on the moon" {
		t.Errorf("Translate() = %q", got)
	}
	if gotPath != "/get" {
		t.Errorf("path = %q, want /get", gotPath)
	}
	if want := norm.NFC.String("လပေါ်ကကြောင်"); gotQ != want {
		t.Errorf("q = %q", gotQ)
	}
	if gotPair != "my|en" {
		t.Errorf("langpair = %q, want my|en", gotPair)
	}
}

func TestTranslate_MissingField(t *testing.T) {
	bodies := map[string]string{
		"no responseData":   `{"responseStatus":200}`,
		"no translatedText": `{"responseData":{"match":1}}`,
		"empty translation": `{"responseData":{"translatedText":"   "}}`,
		"malformed":         `{"responseData":`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
			_, err := c.Translate(context.Background(), "hello")
			if !errors.Is(err, ErrTranslation) {
				t.Fatalf("err = %v, want ErrTranslation", err)
			}
		})
	}
}

func TestTranslate_ServiceStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"responseData":{"translatedText":"INVALID LANGUAGE PAIR"},"responseStatus":"403","responseDetails":"INVALID LANGUAGE PAIR SPECIFIED"}`)
	})

	_, err := c.Translate(context.Background(), "hello")
	if !errors.Is(err, ErrTranslation) {
		t.Fatalf("err = %v, want ErrTranslation", err)
	}
}

func TestTranslate_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Translate(context.Background(), "hello")
	if !errors.Is(err, ErrTranslation) {
		t.Fatalf("err = %v, want ErrTranslation", err)
	}
}

func TestTranslate_EmptyText(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	if _, err := c.Translate(context.Background(), "   "); !errors.Is(err, ErrTranslation) {
		t.Fatalf("err = %v, want ErrTranslation", err)
	}
	if calls.Load() != 0 {
		t.Errorf("service called %d times, want 0", calls.Load())
	}
}

func TestNewClient_LangPair(t *testing.T) {
	c, err := NewClient("", "my | en")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.LangPair() != "my|en" {
		t.Errorf("LangPair() = %q", c.LangPair())
	}

	for _, bad := range []string{"myen", "my|", "!!|en"} {
		if _, err := NewClient("", bad); err == nil {
			t.Errorf("NewClient(%q) succeeded, want error", bad)
		}
	}
}
