package gossip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// fakeServer accepts one connection and answers with the configured
// handler.
func fakeServer(t *testing.T, handle func(r *msgp.Reader, w *msgp.Writer) error) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := msgp.NewReader(conn)
				w := msgp.NewWriter(conn)
				if err := handle(r, w); err != nil {
					return
				}
				w.Flush()
			}()
		}
	}()
	return ln.Addr().String()
}

func TestQuery(t *testing.T) {
	var gotDomain, gotQual string
	addr := fakeServer(t, func(r *msgp.Reader, w *msgp.Writer) error {
		n, err := r.ReadArrayHeader()
		if err != nil || n != 5 {
			t.Errorf("request array: %d, %v", n, err)
			return err
		}
		verb, _ := r.ReadString()
		if verb != "query" {
			t.Errorf("verb = %q", verb)
		}
		r.ReadString() // umis
		gotDomain, _ = r.ReadString()
		gotQual, _ = r.ReadString()
		if ttl, _ := r.ReadInt(); ttl != 1 {
			t.Errorf("ttl = %d", ttl)
		}

		w.WriteArrayHeader(3)
		w.WriteString("umis,example.com,SPF,-20,3")
		w.WriteInt(-20)
		w.WriteInt(3)
		return nil
	})

	c := NewClient(addr, time.Second, 0, nil)
	res, err := c.Query(context.Background(), NewUMIS(), "example.com", "SPF")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reputation != -20 || res.Confidence != 3 {
		t.Errorf("got %+v", res)
	}
	if res.Header != "umis,example.com,SPF,-20,3" {
		t.Errorf("header = %q", res.Header)
	}
	if gotDomain != "example.com" || gotQual != "SPF" {
		t.Errorf("server saw %q/%q", gotDomain, gotQual)
	}
}

func TestFeedback(t *testing.T) {
	var gotSpam bool
	addr := fakeServer(t, func(r *msgp.Reader, w *msgp.Writer) error {
		if n, err := r.ReadArrayHeader(); err != nil || n != 3 {
			t.Errorf("request array: %d, %v", n, err)
			return err
		}
		if verb, _ := r.ReadString(); verb != "feedback" {
			t.Errorf("verb = %q", verb)
		}
		r.ReadString() // umis
		gotSpam, _ = r.ReadBool()
		return w.WriteString("ok")
	})

	c := NewClient(addr, time.Second, 0, nil)
	if err := c.Feedback(context.Background(), NewUMIS(), true); err != nil {
		t.Fatal(err)
	}
	if !gotSpam {
		t.Error("server did not see spam=true")
	}
}

func TestQueryServerDown(t *testing.T) {
	// A closed port: errors degrade to "no reputation", never hang.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(addr, 500*time.Millisecond, 0, nil)
	if _, err := c.Query(context.Background(), NewUMIS(), "example.com", "SPF"); err == nil {
		t.Error("expected an error from a dead server")
	}
}

func TestNewUMIS(t *testing.T) {
	a, b := NewUMIS(), NewUMIS()
	if a == b {
		t.Error("tokens not unique")
	}
	if len(a) != 26 {
		t.Errorf("token length %d, want 26", len(a))
	}
}
