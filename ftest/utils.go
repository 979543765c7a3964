package ftest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
)

// Credentials of the single user the memory backend ships with.
const (
	DefaultUser = "username"
	DefaultPass = "password"
)

type RawMessage struct {
	Mailbox string
	Raw     string
	Flags   []string
	Time    time.Time
}

// Server is an in-process IMAP server backed by memory.
type Server struct {
	Addr string
	TLS  bool

	t    *testing.T
	user backend.User
}

// SetupIMAPServer starts a server holding mailboxes and messages. INBOX
// exists and starts empty. The server is closed when the test ends.
func SetupIMAPServer(t *testing.T, useTLS bool, mailboxes []string, messages []RawMessage) *Server {
	t.Helper()

	be := memory.New()
	user, err := be.Login(nil, DefaultUser, DefaultPass)
	if err != nil {
		t.Fatalf("login to memory backend: %v", err)
	}

	srv := &Server{TLS: useTLS, t: t, user: user}
	srv.mailbox("INBOX").Messages = nil

	for _, name := range mailboxes {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if err := user.CreateMailbox(name); err != nil {
			t.Fatalf("create mailbox %q: %v", name, err)
		}
	}

	for _, msg := range messages {
		name := strings.TrimSpace(msg.Mailbox)
		if name == "" {
			name = "INBOX"
		}
		appendTime := msg.Time
		if appendTime.IsZero() {
			appendTime = time.Now()
		}
		if err := srv.mailbox(name).CreateMessage(msg.Flags, appendTime, bytes.NewBufferString(msg.Raw)); err != nil {
			t.Fatalf("append message to %q: %v", name, err)
		}
	}

	s := server.New(be)
	s.AllowInsecureAuth = true
	s.ErrorLog = log.New(io.Discard, "", 0)

	var ln net.Listener
	if useTLS {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", testTLSConfig(t))
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = s.Close()
		_ = ln.Close()
		select {
		case <-errCh:
		default:
		}
	})

	srv.Addr = ln.Addr().String()
	return srv
}

// Host and Port split Addr for building a config.Account.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.Atoi(port)
	return p
}

// ClientTLSConfig trusts the throwaway certificate.
func (s *Server) ClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec
}

func (s *Server) mailbox(name string) *memory.Mailbox {
	s.t.Helper()
	mbox, err := s.user.GetMailbox(name)
	if err != nil {
		s.t.Fatalf("get mailbox %q: %v", name, err)
	}
	m, ok := mbox.(*memory.Mailbox)
	if !ok {
		s.t.Fatalf("mailbox %q is %T", name, mbox)
	}
	return m
}

// Mailboxes lists every mailbox name, sorted.
func (s *Server) Mailboxes() []string {
	s.t.Helper()
	mboxes, err := s.user.ListMailboxes(false)
	if err != nil {
		s.t.Fatalf("list mailboxes: %v", err)
	}
	names := make([]string, 0, len(mboxes))
	for _, m := range mboxes {
		names = append(names, m.Name())
	}
	sort.Strings(names)
	return names
}

// Count is the number of messages in name, \Deleted ones included.
func (s *Server) Count(name string) int {
	return len(s.mailbox(name).Messages)
}

// Unseen is the number of messages in name without \Seen.
func (s *Server) Unseen(name string) int {
	n := 0
	for _, m := range s.mailbox(name).Messages {
		if !hasFlag(m.Flags, imap.SeenFlag) {
			n++
		}
	}
	return n
}

// Deleted is the number of messages in name flagged \Deleted.
func (s *Server) Deleted(name string) int {
	n := 0
	for _, m := range s.mailbox(name).Messages {
		if hasFlag(m.Flags, imap.DeletedFlag) {
			n++
		}
	}
	return n
}

// Subjects returns the Subject header of each message in name, in order.
func (s *Server) Subjects(name string) []string {
	var out []string
	for _, m := range s.mailbox(name).Messages {
		for _, line := range strings.Split(string(m.Body), "\r\n") {
			if strings.HasPrefix(line, "Subject: ") {
				out = append(out, strings.TrimPrefix(line, "Subject: "))
				break
			}
		}
	}
	return out
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// DatedMessage renders a minimal RFC 5322 message. An empty date omits the
// Date header altogether.
func DatedMessage(date, subject string) string {
	builder := &strings.Builder{}
	builder.WriteString("From: Sender <sender@example.com>\r\n")
	builder.WriteString("To: User <user@example.com>\r\n")
	if date != "" {
		builder.WriteString("Date: ")
		builder.WriteString(date)
		builder.WriteString("\r\n")
	}
	builder.WriteString("Subject: ")
	builder.WriteString(subject)
	builder.WriteString("\r\n")
	builder.WriteString("\r\n")
	builder.WriteString("Body of ")
	builder.WriteString(subject)
	builder.WriteString("\r\n")
	return builder.String()
}

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}
}
