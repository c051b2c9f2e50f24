// Package email is the SMTP/IMAP collaborator front end of spec.md §4.7 /
// §6: it watches a mailbox, canonicalises the sender, and asks the
// email-based distributor for bridges.
//
// Grounded on the teacher's pkg/presentation/distributors/common/email.go
// for the IMAP IDLE loop, message fetch/flag/reply idiom, and graceful
// shutdown via os/signal.
package email

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/mail"
	"net/smtp"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"

	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/internal"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/core"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/distributors/email"
)

// maxBodyBytes is the spec's body-size ceiling (§6): larger messages are
// rejected without being handed to the distributor.
const maxBodyBytes = 32 * 1024

const bridgeRequestMarker = "get bridges"

const ignoreAfter = 24 * time.Hour

type imapClient struct {
	*client.Client
	*idle.IdleClient
}

// Front watches a mailbox and answers "get bridges" requests by asking
// dist for bridges, after canonicalising the sender per cfg.
type Front struct {
	cfg      internal.EmailDistConfig
	dist     *email.Distributor
	metrics  *internal.Metrics
	imap     *imapClient
	smtpAuth smtp.Auth
}

// NewFront dials and authenticates the mailbox described by cfg.IMAP. The
// returned Front has not yet started listening; call Run.
func NewFront(cfg internal.EmailDistConfig, dist *email.Distributor, metrics *internal.Metrics) (*Front, error) {
	c, err := client.DialTLS(cfg.IMAP.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing imap server: %w", err)
	}
	if err := c.Login(cfg.IMAP.Username, cfg.IMAP.Password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}

	smtpHost := strings.Split(cfg.SMTP.Address, ":")[0]
	auth := smtp.PlainAuth("", cfg.SMTP.Username, cfg.SMTP.Password, smtpHost)

	return &Front{
		cfg:      cfg,
		dist:     dist,
		metrics:  metrics,
		imap:     &imapClient{c, idle.NewClient(c)},
		smtpAuth: auth,
	}, nil
}

// Run selects INBOX, drains it once, then IDLEs for new mail until it
// receives SIGINT/SIGTERM.
func (f *Front) Run() error {
	mbox, err := f.imap.Select("INBOX", false)
	if err != nil {
		return fmt.Errorf("selecting INBOX: %w", err)
	}

	stop := make(chan struct{})
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Printf("Caught shutdown signal, logging out of mailbox.")
		close(stop)
		f.imap.Logout()
	}()

	f.fetchMessages(mbox)

	for {
		select {
		case <-stop:
			return nil
		default:
			update, err := f.waitForMailboxUpdate()
			if err != nil {
				log.Println("Error idling on mailbox:", err)
				continue
			}
			f.fetchMessages(update.Mailbox)
		}
	}
}

func (f *Front) waitForMailboxUpdate() (mboxUpdate *client.MailboxUpdate, err error) {
	updates := make(chan client.Update, 1)
	f.imap.Updates = updates

	done := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		done <- f.imap.IdleWithFallback(stop, 0)
	}()

waitLoop:
	for {
		select {
		case update := <-updates:
			var ok bool
			mboxUpdate, ok = update.(*client.MailboxUpdate)
			if ok {
				break waitLoop
			}
		case err := <-done:
			return nil, err
		}
	}

	// Nil the updates channel before stopping, or the client hangs on it
	// (emersion/go-imap-idle#16).
	f.imap.Updates = nil
	close(stop)
	<-done

	return mboxUpdate, nil
}

func (f *Front) fetchMessages(mboxStatus *imap.MailboxStatus) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag, imap.DeletedFlag}
	seqs, err := f.imap.Search(criteria)
	if err != nil {
		log.Println("Error searching for unseen messages:", err)
		return
	}
	if len(seqs) == 0 {
		return
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqs...)
	items := []imap.FetchItem{imap.FetchItem("BODY.PEEK[]")}

	messages := make(chan *imap.Message, mboxStatus.Messages)
	go func() {
		if err := f.imap.Fetch(seqset, items, messages); err != nil {
			log.Println("Error fetching messages:", err)
		}
	}()

	for msg := range messages {
		flag := ""
		for _, literal := range msg.Body {
			m, err := mail.ReadMessage(literal)
			if err != nil {
				log.Println("Error parsing incoming message:", err)
				continue
			}

			if err := f.handle(m); err != nil {
				log.Println("Error handling message", m.Header.Get("Message-ID"), ":", err)
				date, dateErr := m.Header.Date()
				if flag == "" && (dateErr != nil || date.Add(ignoreAfter).Before(time.Now())) {
					flag = imap.SeenFlag
				}
			} else {
				flag = imap.DeletedFlag
			}
		}
		if flag != "" {
			s := new(imap.SeqSet)
			s.AddNum(msg.SeqNum)
			op := imap.FormatFlagsOp(imap.AddFlags, true)
			if err := f.imap.Store(s, op, []interface{}{flag}, nil); err != nil {
				log.Println("Error flagging processed message:", err)
			}
		}
	}

	if err := f.imap.Expunge(nil); err != nil {
		log.Println("Error expunging mailbox:", err)
	}
}

// handle validates and answers a single incoming message. A non-nil error
// means the message was not actionable (bad sender, no request marker) and
// should eventually be marked seen rather than retried forever.
func (f *Front) handle(m *mail.Message) error {
	body, err := io.ReadAll(io.LimitReader(m.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("message body exceeds %d bytes", maxBodyBytes)
	}

	subject := m.Header.Get("Subject")
	if !strings.Contains(strings.ToLower(subject), bridgeRequestMarker) &&
		!containsRequestLine(string(body)) {
		return fmt.Errorf("no %q request found", bridgeRequestMarker)
	}

	senders, err := m.Header.AddressList("From")
	if err != nil || len(senders) != 1 {
		return fmt.Errorf("unexpected From header %q", m.Header.Get("From"))
	}

	canonical, ok := canonicaliseSender(senders[0].Address, f.cfg.EmailDomainMap)
	if !ok {
		return fmt.Errorf("sender domain not in EMAIL_DOMAIN_MAP")
	}

	bridges, outcome, err := f.dist.GetBridges(canonical, time.Now().UTC(), f.cfg.NBridgesPerAnswer)
	if err != nil {
		return fmt.Errorf("distributor error: %w", err)
	}
	if f.metrics != nil {
		f.metrics.Requests.WithLabelValues("email", outcome.String()).Inc()
	}

	switch outcome {
	case email.RateLimitSilent:
		if f.metrics != nil {
			f.metrics.RateLimited.WithLabelValues(outcome.String()).Inc()
		}
		return nil
	case email.RateLimitWarn:
		if f.metrics != nil {
			f.metrics.RateLimited.WithLabelValues(outcome.String()).Inc()
		}
		return f.reply(m, senders[0], "Rate limit exceeded",
			"You have reached the rate limit for bridge requests. Please wait\n"+
				"three hours before trying again.")
	default:
		return f.reply(m, senders[0], "Your bridges", formatBridges(bridges))
	}
}

// containsRequestLine scans body for a line matching the bridge-request
// marker case-insensitively, per spec.md §6.
func containsRequestLine(body string) bool {
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		if strings.Contains(strings.ToLower(scanner.Text()), bridgeRequestMarker) {
			return true
		}
	}
	return false
}

// canonicaliseSender lowercases the local part and maps the lowercased
// hostname to its canonical domain via domainMap, rejecting addresses
// whose domain isn't a recognised key (spec.md §4.7).
func canonicaliseSender(address string, domainMap map[string]string) (string, bool) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return "", false
	}
	local := strings.ToLower(address[:at])
	host := strings.ToLower(address[at+1:])

	canonicalDomain, ok := domainMap[host]
	if !ok {
		return "", false
	}
	return local + "@" + canonicalDomain, true
}

func formatBridges(bridges []*core.Bridge) string {
	if len(bridges) == 0 {
		return "No bridges are available for your account right now. Please try\nagain later."
	}
	var b strings.Builder
	b.WriteString("Here are your bridges:\n\n")
	for _, br := range bridges {
		b.WriteString(br.String())
		b.WriteString("\n")
	}
	return b.String()
}

func (f *Front) reply(original *mail.Message, sender *mail.Address, subject, body string) error {
	messageID, err := internal.GetRandBase32(16)
	if err != nil {
		return fmt.Errorf("generating Message-ID: %w", err)
	}
	fromHost := strings.TrimPrefix(f.cfg.SMTP.From, strings.Split(f.cfg.SMTP.From, "@")[0]+"@")

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Message-ID: <%s@%s>\r\n"+
		"In-Reply-To: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=\"utf-8\"\r\n"+
		"\r\n",
		f.cfg.SMTP.From,
		sender.String(),
		subject,
		messageID, fromHost,
		original.Header.Get("Message-ID"),
	)

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		msg += scanner.Text() + "\r\n"
	}

	return smtp.SendMail(f.cfg.SMTP.Address, f.smtpAuth, f.cfg.SMTP.From, []string{sender.Address}, []byte(msg))
}
