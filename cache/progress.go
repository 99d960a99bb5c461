package cache

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// rateSmoothing weights the newest sample of the transfer rate. Mirrors
// stall and burst, so the raw per-interval rate jumps around too much to
// show.
const rateSmoothing = 0.3

// transferMeter counts bytes read through it and reports them at most once
// per interval, both to the log and to the progress callback. It is used
// from a single io.Copy and is not safe for concurrent use.
type transferMeter struct {
	r        io.Reader
	logger   logrus.FieldLogger
	report   ProgressFunc
	total    int64
	interval time.Duration
	now      func() time.Time

	read      int64
	started   time.Time
	lastAt    time.Time
	lastBytes int64
	rate      float64
}

func newTransferMeter(r io.Reader, logger logrus.FieldLogger, report ProgressFunc, total int64, interval time.Duration) *transferMeter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &transferMeter{r: r, logger: logger, report: report, total: total, interval: interval, now: time.Now}
	m.started = m.now()
	m.lastAt = m.started
	return m
}

func (m *transferMeter) Read(b []byte) (int, error) {
	n, err := m.r.Read(b)
	if n <= 0 {
		return n, err
	}
	m.read += int64(n)
	if now := m.now(); now.Sub(m.lastAt) >= m.interval {
		m.sample(now)
		m.emit("download progress")
	}
	return n, err
}

// sample folds the bytes read since the last sample into the smoothed rate.
func (m *transferMeter) sample(now time.Time) {
	secs := now.Sub(m.lastAt).Seconds()
	if secs <= 0 {
		return
	}
	current := float64(m.read-m.lastBytes) / secs
	if m.rate == 0 {
		m.rate = current
	} else {
		m.rate = rateSmoothing*current + (1-rateSmoothing)*m.rate
	}
	m.lastAt, m.lastBytes = now, m.read
}

// finish reports the final byte count with the average rate of the whole
// transfer.
func (m *transferMeter) finish() {
	if secs := m.now().Sub(m.started).Seconds(); secs > 0 {
		m.rate = float64(m.read) / secs
	}
	m.emit("download finished")
}

func (m *transferMeter) emit(msg string) {
	fields := logrus.Fields{
		"downloaded": humanize.IBytes(uint64(m.read)),
		"rate":       humanize.IBytes(uint64(m.rate)) + "/s",
	}
	if m.total > 0 {
		fields["total"] = humanize.IBytes(uint64(m.total))
		fields["percent"] = fmt.Sprintf("%.1f", float64(m.read)/float64(m.total)*100)
		if m.rate > 0 && m.read < m.total {
			eta := time.Duration(float64(m.total-m.read) / m.rate * float64(time.Second))
			fields["eta"] = eta.Truncate(time.Second).String()
		}
	}
	m.logger.WithFields(fields).Info(msg)

	if m.report != nil {
		m.report(m.read, m.total, m.rate)
	}
}
