// Package reports sends operational notices about the daemon itself:
// a startup report when the house comes up, a shutdown report on the
// way out, and exception reports for panics trapped in supervised
// goroutines. Each report goes to its configured notify alias; unset
// aliases silently disable that report.
package reports

import (
	"fmt"
	"os"
	"time"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/util"
	"github.com/stargate-home/stargate/pkg/version"
)

var log = util.ForModule("reports")

// Notifier is the delivery half of notify, narrowed to what reports
// need.
type Notifier interface {
	CanNotify(alias string) bool
	Notify(alias, subject, body string) error
}

// Reporter delivers daemon lifecycle reports.
type Reporter struct {
	cfg      config.ReportingConfig
	notifier Notifier
	started  time.Time
}

// New builds a reporter. Nothing is sent until Startup.
func New(cfg config.ReportingConfig, notifier Notifier) *Reporter {
	return &Reporter{cfg: cfg, notifier: notifier, started: time.Now()}
}

// InstallExceptionSink routes trapped goroutine panics to the
// exception alias. The report is sent on a fresh goroutine: the sink
// runs on the panicking goroutine, which may be a gateway reader that
// should get back to its socket.
func (r *Reporter) InstallExceptionSink() {
	util.SetExceptionSink(func(task string, err error) {
		log.Errorf("task %q panicked: %v", task, err)
		if !r.deliverable(r.cfg.Exception) {
			return
		}
		body := fmt.Sprintf("Task %q panicked:\n\n%v\n\n%s", task, err, r.signature())
		go r.send(r.cfg.Exception, "Stargate exception", body)
	})
}

// Startup announces the daemon is running.
func (r *Reporter) Startup() {
	if !r.deliverable(r.cfg.Startup) {
		return
	}
	r.send(r.cfg.Startup, "Stargate startup", "Stargate is now running\n\n"+r.signature())
}

// Shutdown announces the daemon is stopping, with its final uptime.
func (r *Reporter) Shutdown() {
	if !r.deliverable(r.cfg.Shutdown) {
		return
	}
	body := fmt.Sprintf("Stargate has stopped after %s\n\n%s",
		time.Since(r.started).Round(time.Second), r.signature())
	r.send(r.cfg.Shutdown, "Stargate shutdown", body)
}

func (r *Reporter) deliverable(alias string) bool {
	if alias == "" || r.notifier == nil {
		return false
	}
	if !r.notifier.CanNotify(alias) {
		log.Warnf("report alias %q has no usable recipients", alias)
		return false
	}
	return true
}

func (r *Reporter) send(alias, subject, body string) {
	if err := r.notifier.Notify(alias, subject, body); err != nil {
		log.Warnf("sending %q report: %v", subject, err)
	}
}

// signature is the footer every report carries: where and what is
// running.
func (r *Reporter) signature() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("host: %s\npid: %d\nversion: %s", host, os.Getpid(), version.Info())
}
