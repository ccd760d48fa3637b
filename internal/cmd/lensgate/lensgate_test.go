package lensgate

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		fs := flag.NewFlagSet("lensgate", flag.ContinueOnError)
		cfg, err := ParseConfig(fs, nil)
		if err != nil {
			t.Fatalf("parse config: %v", err)
		}
		if cfg.Addr != "localhost:3000" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", "localhost:3000", cfg.Addr)
		}
		if cfg.ConfigDir != ".lensgate" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", ".lensgate", cfg.ConfigDir)
		}
		if cfg.Debug || cfg.TLSCert != "" || len(cfg.Args) != 0 {
			t.Fatalf("\nwanted:\nzero values\ngot:\n%+v", cfg)
		}
	})

	t.Run("env then flags", func(t *testing.T) {
		t.Setenv("LENSGATE_ADDR", ":8080")
		t.Setenv("LENSGATE_CONFIG_DIR", "/etc/lensgate")
		t.Setenv("LENSGATE_DEBUG", "true")

		fs := flag.NewFlagSet("lensgate", flag.ContinueOnError)
		cfg, err := ParseConfig(fs, []string{"-addr", ":9090", "waypoint", "ls"})
		if err != nil {
			t.Fatalf("parse config: %v", err)
		}
		if cfg.Addr != ":9090" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", ":9090", cfg.Addr)
		}
		if cfg.ConfigDir != "/etc/lensgate" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", "/etc/lensgate", cfg.ConfigDir)
		}
		if !cfg.Debug {
			t.Fatalf("\nwanted:\ndebug from env\ngot:\n%+v", cfg)
		}
		if strings.Join(cfg.Args, " ") != "waypoint ls" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", "waypoint ls", cfg.Args)
		}
	})

	t.Run("tls needs both files", func(t *testing.T) {
		fs := flag.NewFlagSet("lensgate", flag.ContinueOnError)
		if _, err := ParseConfig(fs, []string{"-tls-cert", "cert.pem"}); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("LENSGATE_DEBUG", "maybe")
		fs := flag.NewFlagSet("lensgate", flag.ContinueOnError)
		_, err := ParseConfig(fs, nil)
		if err == nil || !strings.Contains(err.Error(), "parse env") {
			t.Fatalf("\nwanted:\nparse env error\ngot:\n%v", err)
		}
	})
}

func TestServe(t *testing.T) {
	t.Run("serves until cancelled", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		})

		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- Serve(ctx, l, handler, Config{}, logger)
		}()

		res, err := http.Get("http://" + l.Addr().String() + "/")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if string(body) != "ok" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", "ok", body)
		}

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("serve did not return after cancel")
		}
		if !strings.Contains(logs.String(), "gateway listening") {
			t.Fatalf("\nwanted:\nlistening log\ngot:\n%s", logs.String())
		}
	})

	t.Run("missing key pair", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		dir := t.TempDir()
		cfg := Config{TLSCert: filepath.Join(dir, "cert.pem"), TLSKey: filepath.Join(dir, "key.pem")}
		err = Serve(context.Background(), l, http.NotFoundHandler(), cfg, slog.New(slog.DiscardHandler))
		if err == nil || !strings.Contains(err.Error(), "tls key pair") {
			t.Fatalf("\nwanted:\ntls key pair error\ngot:\n%v", err)
		}
	})
}

func TestRunWaypoint(t *testing.T) {
	dir := t.TempDir()
	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		err := runWaypoint(&out, Config{ConfigDir: dir, Args: args})
		return out.String(), err
	}

	if _, err := run("waypoint", "set", "Preview.example.com", "http://127.0.0.1:8000"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := run("waypoint", "set", "app.example.com", "https://api.example.com/"); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := run("waypoint", "ls")
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	want := "app.example.com -> https://api.example.com\npreview.example.com -> http://127.0.0.1:8000\n"
	if got != want {
		t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got)
	}

	if _, err := run("waypoint", "rm", "app.example.com"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	got, _ = run("waypoint", "ls")
	if got != "preview.example.com -> http://127.0.0.1:8000\n" {
		t.Fatalf("\nwanted:\none waypoint\ngot:\n%q", got)
	}

	for _, args := range [][]string{
		{"serve"},
		{"waypoint"},
		{"waypoint", "set", "host"},
		{"waypoint", "set", "host", "ftp://x"},
		{"waypoint", "rm", "unknown.example.com"},
		{"waypoint", "mv"},
	} {
		if _, err := run(args...); err == nil {
			t.Fatalf("\nwanted:\nerror for %q\ngot:\nnil", args)
		}
	}
}
