// Package prober classifies targets as up or down with one lightweight GET.
package prober

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	"github.com/gocolly/colly"
)

type Prober struct {
	cfg       *config.ProbeConfig
	userAgent string
	log       *slog.Logger
}

func New(cfg *config.ProbeConfig, userAgent string, log *slog.Logger) *Prober {
	return &Prober{cfg: cfg, userAgent: userAgent, log: log}
}

// Probe never returns an error: every transport failure, timeout or non-200
// status is converted into a DOWN record so the batch can keep moving. The
// record carries the status code when one was obtained.
func (p *Prober) Probe(target model.Target) *model.OutcomeRecord {
	record := model.NewOutcomeRecord(target)
	record.Classification = model.Down

	c := colly.NewCollector()
	c.SetRequestTimeout(p.cfg.Timeout)
	c.UserAgent = p.userAgent

	c.OnResponse(func(resp *colly.Response) {
		record.StatusCode = resp.StatusCode
		if resp.StatusCode == http.StatusOK {
			record.Classification = model.Up
		} else {
			record.Error = fmt.Sprintf("unexpected status: %d %s",
				resp.StatusCode, http.StatusText(resp.StatusCode))
		}
	})
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			record.StatusCode = resp.StatusCode
		}
		record.Error = truncate(err.Error())
	})

	url := target.URL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	if err := c.Visit(url); err != nil && record.Error == model.NoError {
		// errors raised before the request is made (e.g. a malformed url)
		// never reach the OnError callback
		record.Error = truncate(err.Error())
	}

	if record.Classification == model.Up {
		p.log.Debug("target is up.", slog.String("url", target.URL))
	} else {
		p.log.Warn("target is down.", slog.String("url", target.URL),
			slog.Int("status", record.StatusCode), slog.String("err", record.Error))
	}

	return record
}

func truncate(message string) string {
	if len(message) > 1000 {
		return message[:1000]
	}
	return message
}
