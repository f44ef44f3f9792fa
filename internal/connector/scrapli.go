package connector

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/scrapli/scrapligo/driver/generic"
	"github.com/scrapli/scrapligo/driver/network"
	"github.com/scrapli/scrapligo/driver/options"
	"github.com/scrapli/scrapligo/platform"
	"github.com/scrapli/scrapligo/transport"
	"github.com/scrapli/scrapligo/util"
	"go.uber.org/zap"

	"github.com/confkeeper/confkeeper/internal/domain"
)

// genericPromptPattern matches the prompt of vendors without a scrapligo
// platform definition (MikroTik, Fortinet, WLC).
var genericPromptPattern = regexp.MustCompile(`(?im)^[\w.@()/:-]+\s?[>#$\]]\s*$`)

// ScrapliConnector drives device CLIs through scrapligo platform drivers,
// falling back to the generic driver for vendors without a platform.
type ScrapliConnector struct {
	// Timeout bounds every session operation. Zero means DefaultTimeout.
	Timeout time.Duration
}

const DefaultTimeout = 60 * time.Second

func NewScrapli(timeout time.Duration) *ScrapliConnector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ScrapliConnector{Timeout: timeout}
}

type session interface {
	SendCommand(cmd string, opts ...util.Option) (*sessionResponse, error)
	Close() error
}

// sessionResponse narrows the scrapligo response to what we consume.
type sessionResponse struct {
	Result string
}

type networkSession struct{ d *network.Driver }

func (s *networkSession) SendCommand(cmd string, opts ...util.Option) (*sessionResponse, error) {
	r, err := s.d.SendCommand(cmd, opts...)
	if err != nil {
		return nil, err
	}
	if r.Failed != nil {
		return nil, r.Failed
	}
	return &sessionResponse{Result: r.Result}, nil
}

func (s *networkSession) Close() error { return s.d.Close() }

type genericSession struct{ d *generic.Driver }

func (s *genericSession) SendCommand(cmd string, opts ...util.Option) (*sessionResponse, error) {
	r, err := s.d.SendCommand(cmd, opts...)
	if err != nil {
		return nil, err
	}
	if r.Failed != nil {
		return nil, r.Failed
	}
	return &sessionResponse{Result: r.Result}, nil
}

func (s *genericSession) Close() error { return s.d.Close() }

// opTimeout bounds session operations. A context deadline tighter than the
// configured timeout wins, so the caller's deadline is enforced inside the
// session rather than only checked on entry.
func (c *ScrapliConnector) opTimeout(ctx context.Context) time.Duration {
	timeout := c.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < timeout {
			timeout = d
		}
	}
	return timeout
}

func (c *ScrapliConnector) baseOptions(t Target, timeout time.Duration) []util.Option {
	opts := []util.Option{
		options.WithAuthUsername(t.Username),
		options.WithAuthPassword(t.Password),
		options.WithAuthNoStrictKey(),
		options.WithPort(t.Port),
		options.WithTimeoutOps(timeout),
		options.WithTransportType(transport.StandardTransport),
	}
	if strings.EqualFold(t.Protocol, domain.ProtocolTelnet) {
		opts = append(opts, options.WithTransportType(transport.TelnetTransport))
	}
	if t.EnableSecret != "" {
		// Used by platform drivers to escalate to privileged mode.
		opts = append(opts, options.WithAuthSecondary(t.EnableSecret))
	}
	return opts
}

// open establishes the session. Platform vendors get a network driver with
// automatic privilege escalation; the rest get the generic driver.
func (c *ScrapliConnector) open(t Target, timeout time.Duration) (session, domain.VendorSpec, error) {
	spec, ok := t.Vendor.Spec()
	if !ok {
		return nil, spec, &Error{Kind: KindUnsupported, Host: t.Host,
			Err: fmt.Errorf("unknown vendor %q", t.Vendor)}
	}

	opts := c.baseOptions(t, timeout)

	if spec.Platform == "" {
		opts = append(opts, options.WithPromptPattern(genericPromptPattern))
		d, err := generic.NewDriver(t.Host, opts...)
		if err != nil {
			return nil, spec, Classify(t.Host, err)
		}
		if err := d.Open(); err != nil {
			return nil, spec, Classify(t.Host, err)
		}
		return &genericSession{d: d}, spec, nil
	}

	p, err := platform.NewPlatform(spec.Platform, t.Host, opts...)
	if err != nil {
		return nil, spec, Classify(t.Host, err)
	}
	d, err := p.GetNetworkDriver()
	if err != nil {
		return nil, spec, Classify(t.Host, err)
	}
	if err := d.Open(); err != nil {
		return nil, spec, Classify(t.Host, err)
	}
	if spec.NeedsEnable && t.EnableSecret != "" {
		if err := d.AcquirePriv(d.DefaultDesiredPriv); err != nil {
			_ = d.Close()
			return nil, spec, Classify(t.Host, err)
		}
	}
	return &networkSession{d: d}, spec, nil
}

// TestConnection opens a session and runs the vendor probe command. It is
// safe to repeat and never mutates device state.
func (c *ScrapliConnector) TestConnection(ctx context.Context, t Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify(t.Host, err)
	}

	start := time.Now()
	sess, spec, err := c.open(t, c.opTimeout(ctx))
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Close() }()

	if _, err := sess.SendCommand(spec.ProbeCommand); err != nil {
		return "", Classify(t.Host, err)
	}
	return fmt.Sprintf("connected in %dms", time.Since(start).Milliseconds()), nil
}

// FetchConfig captures the device's running configuration verbatim.
func (c *ScrapliConnector) FetchConfig(ctx context.Context, t Target) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(t.Host, err)
	}

	start := time.Now()
	sess, spec, err := c.open(t, c.opTimeout(ctx))
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	for _, cmd := range spec.DisablePaging {
		// best effort; some images reject it harmlessly
		_, _ = sess.SendCommand(cmd)
	}

	resp, err := sess.SendCommand(spec.ShowCommand)
	if err != nil {
		return nil, Classify(t.Host, err)
	}
	if strings.TrimSpace(resp.Result) == "" {
		return nil, &Error{Kind: KindProtocol, Host: t.Host,
			Err: fmt.Errorf("%q returned empty output", spec.ShowCommand)}
	}

	zap.L().Debug("config captured",
		zap.String("host", t.Host),
		zap.Int("bytes", len(resp.Result)),
		zap.Duration("duration", time.Since(start)))

	return &Result{Content: resp.Result, Duration: time.Since(start)}, nil
}
