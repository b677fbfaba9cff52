package model

import (
	"crypto/sha256"
	"encoding/hex"
	netUrl "net/url"
	"strings"
)

// NoError is the sentinel value for the error field of records that completed
// without a transport or engine failure.
const NoError = "NA"

type Classification int

const (
	Up Classification = iota
	Down
	Success
	Failure
)

func (c Classification) String() string {
	return [...]string{"UP", "DOWN", "SUCCESS", "FAILURE"}[c]
}

// Target is one front page to be probed and screenshotted. GNIS is a stable
// content-derived fingerprint used for deduplication across runs; once set it
// is never changed.
type Target struct {
	GNIS      string `json:"gnis"`
	URL       string `json:"url"`
	PlaceName string `json:"place_name"`
}

// Normalize rewrites scheme-less urls to https and synthesizes the place
// name and fingerprint for targets that come in with only a url. Every phase
// sees the same url afterwards. The order matters: the fingerprint covers
// the url and place name, so they have to be settled first.
func (t *Target) Normalize() {
	if t.URL != "" && !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
		t.URL = "https://" + t.URL
	}
	if t.PlaceName == "" {
		t.PlaceName = placeNameFromURL(t.URL)
	}
	if t.GNIS == "" {
		t.GNIS = Fingerprint(t.URL, t.PlaceName)
	}
}

// Fingerprint returns the hex sha256 of url+placeName.
func Fingerprint(url, placeName string) string {
	hash := sha256.New()
	hash.Write([]byte(url))
	hash.Write([]byte(placeName))
	return hex.EncodeToString(hash.Sum(nil))
}

func placeNameFromURL(rawUrl string) string {
	u, err := netUrl.Parse(rawUrl)
	if err != nil || u.Host == "" {
		return rawUrl
	}
	return u.Host
}

// OutcomeRecord is the classified result of one probe or capture attempt.
// Exactly one record exists per target per phase; it is immutable once routed
// to an output collection. StatusCode 0 means no status was obtained.
type OutcomeRecord struct {
	GNIS           string         `json:"gnis"`
	URL            string         `json:"url"`
	PlaceName      string         `json:"place_name"`
	StatusCode     int            `json:"response_status,omitempty"`
	ScreenshotPath string         `json:"screenshot_path,omitempty"`
	RemoteLink     string         `json:"s3_link,omitempty"`
	Error          string         `json:"error"`
	Classification Classification `json:"-"`
}

func NewOutcomeRecord(t Target) *OutcomeRecord {
	return &OutcomeRecord{
		GNIS:      t.GNIS,
		URL:       t.URL,
		PlaceName: t.PlaceName,
		Error:     NoError,
	}
}

// Target rebuilds the target a record was produced from. Used to carry the
// "up" partition of the probe phase into the capture phase.
func (r *OutcomeRecord) Target() Target {
	return Target{GNIS: r.GNIS, URL: r.URL, PlaceName: r.PlaceName}
}
