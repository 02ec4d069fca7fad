package visitor

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/visitor-chat/internal/config"
	"github.com/ashureev/visitor-chat/internal/remotecontrol"
	"github.com/ashureev/visitor-chat/internal/scheduler"
	"github.com/ashureev/visitor-chat/internal/store"
	"github.com/ashureev/visitor-chat/internal/transport"
)

// Default persistence names.
const (
	DefaultChatCookie        = "_bcck"
	DefaultConfigCookie      = "_bccfg"
	DefaultChatRecoverCookie = "_bc-curl"
)

// Options configures a Client.
type Options struct {
	// AuthKey is the session API key or private account key.
	AuthKey string
	// ServerSet, when non-nil, replaces the server set parsed from AuthKey.
	ServerSet *string
	// Origin overrides the API origin derived from the server set.
	Origin string
	// UploadHost overrides the upload host derived from the server set.
	UploadHost   string
	RetryTimeout time.Duration
	// ThrowErrors lets event handler panics propagate.
	ThrowErrors  bool
	MessageCache bool

	ChatCookie        string
	ConfigCookie      string
	ChatRecoverCookie string

	Secured             []string
	LocalSecured        []string
	ChatEndedStateCheck bool
	// PageParameters is the query string of visitor data the page carries.
	PageParameters string
	// PageURL is the page the visitor is on. Legacy remote control returns
	// to it.
	PageURL   string
	UserAgent string

	Host       transport.Host
	Scheduler  scheduler.Scheduler
	Store      store.Repository
	Browser    remotecontrol.Browser
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OptionsFromConfig copies the visitor settings of cfg.
func OptionsFromConfig(cfg config.VisitorConfig) Options {
	opts := Options{
		AuthKey:             cfg.SessionAPIKey,
		Origin:              cfg.APIOrigin,
		UploadHost:          cfg.UploadHost,
		RetryTimeout:        cfg.RetryTimeout,
		ThrowErrors:         cfg.ThrowErrors,
		MessageCache:        cfg.MessageCache,
		ChatCookie:          cfg.ChatCookie,
		ConfigCookie:        cfg.ConfigCookie,
		ChatRecoverCookie:   cfg.ChatRecoverCookie,
		Secured:             cfg.Secured,
		LocalSecured:        cfg.LocalSecured,
		ChatEndedStateCheck: cfg.ChatEndedStateCheck,
		PageParameters:      cfg.PageParameters,
	}
	if cfg.ServerSetSet {
		ss := cfg.ServerSet
		opts.ServerSet = &ss
	}
	return opts
}

func (o *Options) setDefaults() {
	if o.ChatCookie == "" {
		o.ChatCookie = DefaultChatCookie
	}
	if o.ConfigCookie == "" {
		o.ConfigCookie = DefaultConfigCookie
	}
	if o.ChatRecoverCookie == "" {
		o.ChatRecoverCookie = DefaultChatRecoverCookie
	}
	if o.Store == nil {
		o.Store = store.NewMemory()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Browser == nil {
		o.Browser = logBrowser{logger: o.Logger}
	}
}

// logBrowser is used when the embedding program has no page to drive.
type logBrowser struct {
	logger *slog.Logger
}

func (b logBrowser) Navigate(url string) error {
	b.logger.Info("Navigate requested", "url", url)
	return nil
}

func (b logBrowser) Open(url, name string, features remotecontrol.PopupFeatures) error {
	b.logger.Info("Popup requested", "url", url, "name", name, "features", features.String())
	return nil
}
