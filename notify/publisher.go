// Package notify delivers client notifications of a job master to the
// registered job clients over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/jobcoord/model"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
	"github.com/hanfei1991/jobcoord/pkg/notifier"
)

const defaultSubjectPrefix = "jobcoord.clients"

// Config is the configuration of the NATS connection.
type Config struct {
	URL           string        `toml:"url" json:"url"`
	SubjectPrefix string        `toml:"subject-prefix" json:"subject-prefix"`
	ConnectWait   time.Duration `toml:"connect-wait" json:"connect-wait"`
}

// Adjust fills in defaults.
func (c *Config) Adjust() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = 5 * time.Second
	}
}

// Connect connects to the NATS server of cfg. The connection reconnects
// forever once established.
func Connect(cfg Config, name string) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, derror.ErrConfigInvalid.GenWithStackByArgs("notify url is empty")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(cfg.ConnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.L().Warn("notification bus disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.L().Info("notification bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Annotate(err, "connect to notification bus")
	}
	return nc, nil
}

// Publisher sends a message on a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is what a job client receives.
type Message struct {
	Recipient string                   `json:"recipient"`
	Behaviour model.ListeningBehaviour `json:"behaviour"`
	Event     *model.JobEvent          `json:"event"`
}

// Forwarder publishes client notifications, one message per recipient.
type Forwarder struct {
	pub    Publisher
	prefix string
}

// NewForwarder creates a Forwarder publishing under subjectPrefix.
func NewForwarder(pub Publisher, subjectPrefix string) *Forwarder {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &Forwarder{pub: pub, prefix: subjectPrefix}
}

// Run forwards notifications from recv until ctx is done or recv is
// closed. Publishing failures are logged and skipped.
func (f *Forwarder) Run(ctx context.Context, recv *notifier.Receiver[*model.ClientNotification]) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case notification, ok := <-recv.C:
			if !ok {
				return nil
			}
			f.forward(notification)
		}
	}
}

func (f *Forwarder) forward(notification *model.ClientNotification) {
	for _, recipient := range notification.Recipients {
		subject := f.Subject(recipient.Address)
		data, err := json.Marshal(&Message{
			Recipient: recipient.Address,
			Behaviour: recipient.Behaviour,
			Event:     notification.Event,
		})
		if err == nil {
			err = f.pub.Publish(subject, data)
		}
		if err != nil {
			log.L().Warn("publish client notification failed",
				zap.String("job-id", string(notification.Event.JobID)),
				zap.String("client-address", recipient.Address),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}

// Subject returns the subject a client at address listens on.
func (f *Forwarder) Subject(address string) string {
	return f.prefix + "." + subjectToken(address)
}

// subjectToken maps address to a single NATS subject token. Letters,
// digits, '-' and ':' are kept and every other byte becomes "_xx", so
// distinct addresses never share a subject.
func subjectToken(address string) string {
	if address == "" {
		return "_"
	}
	var sb strings.Builder
	for i := 0; i < len(address); i++ {
		c := address[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == ':':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "_%02x", c)
		}
	}
	return sb.String()
}
