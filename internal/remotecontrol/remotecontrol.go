// Package remotecontrol starts vendor-hosted remote-control sessions: it
// classifies the visitor's platform, downloads the vendor applet on desktop
// Windows and Mac, and falls back to the vendor's web page elsewhere.
package remotecontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
)

// PopupName is the window name used for the vendor page.
const PopupName = "bold360_visitor_rc"

var (
	iosPattern     = regexp.MustCompile(`(iPad|iPhone|iPod)`)
	silkPattern    = regexp.MustCompile(`Silk`)
	androidPattern = regexp.MustCompile(`Android`)
	htcOnePattern  = regexp.MustCompile(`HTC_One`)
	ieMobile       = regexp.MustCompile(`IEMobile`)
	x64Pattern     = regexp.MustCompile(`WOW64|x64|win64|amd64|x86_64`)
	windowsPattern = regexp.MustCompile(`Windows`)
	macPattern     = regexp.MustCompile(`Mac`)
	desktopPattern = regexp.MustCompile(`(?i)(windows|linux|os\s+9|os\s+x\s+10|solaris|bsd)`)
	winPhone       = regexp.MustCompile(`(?i)windows\s+phone`)
)

// Platform is what the user agent says about the visitor's device.
type Platform struct {
	IOS      bool
	Android  bool
	Silk     bool
	HTCOne   bool
	IEMobile bool
	X64      bool
	Windows  bool
	Mac      bool
	Desktop  bool
}

// DetectPlatform classifies a user agent string.
func DetectPlatform(ua string) Platform {
	p := Platform{
		IOS:      iosPattern.MatchString(ua),
		Silk:     silkPattern.MatchString(ua),
		HTCOne:   htcOnePattern.MatchString(ua),
		IEMobile: ieMobile.MatchString(ua),
		X64:      x64Pattern.MatchString(ua),
		Windows:  windowsPattern.MatchString(ua),
		Mac:      macPattern.MatchString(ua),
	}
	p.Android = androidPattern.MatchString(ua) || p.Silk
	p.Desktop = desktopPattern.MatchString(ua) &&
		!p.IOS && !p.Android && !p.Silk && !p.HTCOne && !p.IEMobile &&
		!winPhone.MatchString(ua)
	return p
}

// Screen is the visitor's screen size, used to place the popup.
type Screen struct {
	Width  int
	Height int
}

// PopupFeatures describes the popup window.
type PopupFeatures struct {
	Toolbar    bool
	Scrollbars bool
	Resizable  bool
	Width      int
	Height     int
	Top        int
	Left       int
}

// String renders the features in window.open form.
func (f PopupFeatures) String() string {
	return fmt.Sprintf("toolbar=%t, scrollbars=%t, resizable=%t, width=%d, height=%d, top=%d, left=%d",
		f.Toolbar, f.Scrollbars, f.Resizable, f.Width, f.Height, f.Top, f.Left)
}

// Browser is the page the visitor is on.
type Browser interface {
	// Navigate sends the page to url.
	Navigate(url string) error
	// Open opens url in a named popup window.
	Open(url, name string, features PopupFeatures) error
}

type metadata struct {
	ClientInfo struct {
		MacDownloadURL    string `json:"mac_download_url"`
		WinDownloadURL    string `json:"win_download_url"`
		WinDownloadURLX86 string `json:"win_download_url_x86"`
	} `json:"client_info"`
}

// Vendor accepts vendor remote-control sessions for one browser.
type Vendor struct {
	platform Platform
	browser  Browser
	screen   Screen
	client   *http.Client
	logger   *slog.Logger
}

// Option configures a Vendor.
type Option func(*Vendor)

// WithHTTPClient sets the client used for the metadata request.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Vendor) { v.client = c }
}

// WithScreen sets the screen size used to place the popup.
func WithScreen(s Screen) Option {
	return func(v *Vendor) { v.screen = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vendor) { v.logger = l }
}

// New creates a Vendor for the given user agent.
func New(userAgent string, browser Browser, opts ...Option) *Vendor {
	v := &Vendor{
		platform: DetectPlatform(userAgent),
		browser:  browser,
		screen:   Screen{Width: 1280, Height: 800},
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "remotecontrol")
	return v
}

// Platform returns the detected platform.
func (v *Vendor) Platform() Platform { return v.platform }

// IsOSSupported reports whether the session's OS list covers this visitor.
// Sessions without an OS list are supported everywhere.
func (v *Vendor) IsOSSupported(d *domain.RemoteControlData) bool {
	if d == nil || d.OSSupport == nil {
		return true
	}
	switch {
	case !v.platform.Desktop:
		return d.OSSupport.Mobile
	case v.platform.Windows:
		return d.OSSupport.Windows
	case v.platform.Mac:
		return d.OSSupport.Mac
	default:
		return false
	}
}

// Accept starts the session. Desktop Windows and Mac visitors are sent to
// the vendor applet download; everyone else, and any failure to fetch the
// download location, gets the vendor page in a popup.
func (v *Vendor) Accept(ctx context.Context, d *domain.RemoteControlData) error {
	if d == nil {
		return fmt.Errorf("accept remote control: no session data")
	}
	if v.platform.Desktop && (v.platform.Mac || v.platform.Windows) {
		target, err := v.downloadURL(ctx, d)
		if err == nil {
			return v.browser.Navigate(target)
		}
		v.logger.Warn("Vendor metadata unavailable, opening vendor page", "error", err)
	}
	return v.openPopup(d.VendorURL)
}

func (v *Vendor) downloadURL(ctx context.Context, d *domain.RemoteControlData) (string, error) {
	url := d.ActivationBaseURL + "api/v3/support/" + d.VendorPin + "/metadata?legacy=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create metadata request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch metadata: status %d", resp.StatusCode)
	}
	var m metadata
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return "", fmt.Errorf("decode metadata: %w", err)
	}

	var base string
	switch {
	case v.platform.Mac:
		base = m.ClientInfo.MacDownloadURL
	case v.platform.Windows && v.platform.X64:
		base = m.ClientInfo.WinDownloadURL
	default:
		base = m.ClientInfo.WinDownloadURLX86
	}
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("metadata has no download url")
	}
	return base + d.VendorPin, nil
}

func (v *Vendor) openPopup(url string) error {
	w, h := v.screen.Width/2, v.screen.Height/2
	return v.browser.Open(url, PopupName, PopupFeatures{
		Toolbar:    false,
		Scrollbars: true,
		Resizable:  true,
		Width:      w,
		Height:     h,
		Top:        (v.screen.Height - h) / 2,
		Left:       (v.screen.Width - w) / 2,
	})
}
