package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/relay"
	"github.com/wilhg/statestore/pkg/store/memstore"
)

func TestValidateOptions(t *testing.T) {
	good := options{webhookURL: "http://hook", storeURL: "mem://x", namespace: "ns", blockTimeout: time.Second}
	if err := good.validate(); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		mod  func(*options)
		want string
	}{
		{"all missing", func(o *options) { *o = options{blockTimeout: time.Second} },
			"missing required flags: --webhook-url, --store-url, --namespace"},
		{"no namespace", func(o *options) { o.namespace = " " }, "missing required flags: --namespace"},
		{"zero timeout", func(o *options) { o.blockTimeout = 0 }, "--block-timeout must be positive"},
		{"negative retries", func(o *options) { o.sinkRetries = -1 }, "--sink-retries must not be negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := good
			tc.mod(&o)
			err := o.validate()
			if err == nil || !strings.HasPrefix(err.Error(), tc.want) {
				t.Fatalf("err = %v, want prefix %q", err, tc.want)
			}
		})
	}
}

func TestRunVersionAndMissingFlags(t *testing.T) {
	t.Setenv("STATESTORE_STORE_URL", "")
	t.Setenv("STATESTORE_REDIS_URL", "")
	t.Setenv("STATESTORE_WEBHOOK_URL", "")
	t.Setenv("STATESTORE_NAMESPACE", "")

	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), []string{"--version"}, &stdout, &stderr); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stdout.String(), "statestore-relay dev") {
		t.Fatalf("version output = %q", stdout.String())
	}
	err := run(t.Context(), []string{"--namespace", "orders"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "--webhook-url, --store-url") {
		t.Fatalf("err = %v", err)
	}
}

func TestEnvDefaultsFlowIntoFlags(t *testing.T) {
	t.Setenv("STATESTORE_WEBHOOK_URL", "http://hook.local/events")
	t.Setenv("STATESTORE_STORE_URL", "")
	t.Setenv("STATESTORE_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("STATESTORE_NAMESPACE", "orders")
	t.Setenv("STATESTORE_TLS", "true")
	t.Setenv("STATESTORE_LOG_LEVEL", "debug")

	var stderr bytes.Buffer
	opts, _, err := parseArgs(nil, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	want := options{
		webhookURL:   "http://hook.local/events",
		storeURL:     "redis://cache:6379/0",
		namespace:    "orders",
		tls:          true,
		blockTimeout: relay.DefaultBlockTimeout,
		logLevel:     "debug",
		logFormat:    "text",
	}
	if diff := cmp.Diff(want, opts, cmp.AllowUnexported(options{})); diff != "" {
		t.Fatalf("options (-want +got):\n%s", diff)
	}

	t.Setenv("STATESTORE_STORE_URL", "mem://primary")
	opts, _, err = parseArgs([]string{"--namespace", "billing", "--tls=false"}, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if opts.storeURL != "mem://primary" || opts.namespace != "billing" || opts.tls {
		t.Fatalf("flags did not override env: %+v", opts)
	}

	t.Setenv("STATESTORE_TLS", "sometimes")
	if _, _, err := parseArgs(nil, &stderr); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("err = %v, want parse env error", err)
	}
}

func TestRedisURLAlias(t *testing.T) {
	t.Setenv("STATESTORE_STORE_URL", "")
	t.Setenv("STATESTORE_REDIS_URL", "")
	var stdout, stderr bytes.Buffer
	err := run(t.Context(), []string{
		"--webhook-url", "http://localhost:1/hook",
		"--redis-url", "nosuch://x",
		"--namespace", "orders",
	}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "open store nosuch://x") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunRelaysNewEvents(t *testing.T) {
	received := make(chan []byte, 16)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case received <- body:
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	st := memstore.Named("relay-cmd")
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	var stdout, stderr bytes.Buffer
	go func() {
		done <- run(ctx, []string{
			"--webhook-url", hook.URL,
			"--store-url", "mem://relay-cmd",
			"--namespace", "orders",
			"--block-timeout", "50ms",
			"--cursor-name", "primary",
		}, &stdout, &stderr)
	}()

	// The relay starts at the tail, so keep appending until one arrives.
	var got []byte
	deadline := time.After(5 * time.Second)
	for i := 0; got == nil; i++ {
		payload := fmt.Sprintf(`{"conversation_id":"o%d"}`, i)
		if _, err := st.Append(t.Context(), conversation.EventsKey("orders"), []byte(payload), 0); err != nil {
			t.Fatal(err)
		}
		select {
		case got = <-received:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			cancel()
			t.Fatal("no event reached the webhook")
		}
	}
	if !strings.HasPrefix(string(got), `{"conversation_id":"o`) {
		t.Fatalf("payload = %s", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}

	saved, ok, err := st.Get(t.Context(), conversation.RelayCursorKey("orders", "primary"))
	if err != nil || !ok || len(saved) == 0 {
		t.Fatalf("cursor not saved: %q %v %v", saved, ok, err)
	}
}
