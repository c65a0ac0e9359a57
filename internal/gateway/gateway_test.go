package gateway

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name  string
	err   error
	calls int
	last  string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(_ context.Context, to, _ string) (*SendResult, error) {
	f.calls++
	f.last = to
	if f.err != nil {
		return nil, f.err
	}
	return &SendResult{ProviderMessageID: "MSG-" + f.name, Provider: f.name}, nil
}

func TestNormalizeMSISDN(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+62 812-3456-7890", "6281234567890", false},
		{"081234567890", "6281234567890", false},
		{"81234567890", "6281234567890", false},
		{"6281234567890", "6281234567890", false},
		{"(0812) 3456 7890", "6281234567890", false},
		{"", "", true},
		{"12345", "", true},
		{"999999999999", "", true},
	}

	for _, tc := range cases {
		got, err := NormalizeMSISDN(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeMSISDN(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeMSISDN(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeMSISDN(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSendUsesPrimaryFirst(t *testing.T) {
	primary := &fakeProvider{name: "wago"}
	backup := &fakeProvider{name: "kirim"}

	g, err := New([]Provider{primary, backup}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := g.Send(context.Background(), "081234567890", "minum obat ya")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result.Provider != "wago" {
		t.Errorf("result.Provider = %q, want wago", result.Provider)
	}
	if backup.calls != 0 {
		t.Error("backup should not be attempted when primary succeeds")
	}
	if primary.last != "6281234567890" {
		t.Errorf("provider received %q, want normalized number", primary.last)
	}
}

func TestSendFailsOverToBackup(t *testing.T) {
	primary := &fakeProvider{name: "wago", err: errors.New("upstream 503")}
	backup := &fakeProvider{name: "kirim"}

	g, err := New([]Provider{primary, backup}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := g.Send(context.Background(), "081234567890", "minum obat ya")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if result.Provider != "kirim" {
		t.Errorf("result.Provider = %q, want kirim", result.Provider)
	}
	if primary.calls != 1 {
		t.Errorf("primary attempts = %d, want 1", primary.calls)
	}
}

func TestSendAllProvidersDown(t *testing.T) {
	primary := &fakeProvider{name: "wago", err: errors.New("timeout")}
	backup := &fakeProvider{name: "kirim", err: errors.New("timeout")}

	g, _ := New([]Provider{primary, backup}, nil, nil)
	if _, err := g.Send(context.Background(), "081234567890", "x"); err == nil {
		t.Fatal("expected error when every provider fails")
	}
}

func TestSendViaPinsBackend(t *testing.T) {
	primary := &fakeProvider{name: "wago"}
	backup := &fakeProvider{name: "kirim"}

	g, _ := New([]Provider{primary, backup}, nil, nil)
	result, err := g.SendVia(context.Background(), "kirim", "081234567890", "tes cadangan")
	if err != nil {
		t.Fatalf("SendVia failed: %v", err)
	}
	if result.Provider != "kirim" || primary.calls != 0 {
		t.Error("SendVia must only touch the named backend")
	}

	if _, err := g.SendVia(context.Background(), "ghost", "081234567890", "x"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("unknown backend error = %v, want ErrNoProvider", err)
	}
}

func TestInvalidDestinationRejectedBeforeProviders(t *testing.T) {
	primary := &fakeProvider{name: "wago"}
	g, _ := New([]Provider{primary}, nil, nil)

	if _, err := g.Send(context.Background(), "not-a-number", "x"); err == nil {
		t.Fatal("expected normalization error")
	}
	if primary.calls != 0 {
		t.Error("provider must not be called for an invalid destination")
	}
}
