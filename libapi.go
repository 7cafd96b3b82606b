package servicekit

import (
	"context"

	runtimepkg "github.com/drblury/servicekit/internal/runtime"
	alertpkg "github.com/drblury/servicekit/internal/runtime/alert"
	brokerpkg "github.com/drblury/servicekit/internal/runtime/broker"
	configpkg "github.com/drblury/servicekit/internal/runtime/config"
	destinationpkg "github.com/drblury/servicekit/internal/runtime/destination"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	httppkg "github.com/drblury/servicekit/internal/runtime/httpserver"
	idspkg "github.com/drblury/servicekit/internal/runtime/ids"
	"github.com/drblury/servicekit/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/servicekit/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicekit/internal/runtime/metadata"
	workerpkg "github.com/drblury/servicekit/internal/runtime/worker"
)

type (
	Config        = configpkg.Config
	BrokerConfig  = configpkg.Broker
	AlertConfig   = configpkg.Alert
	HTTPConfig    = configpkg.HTTP
	WorkerConfig  = configpkg.Worker
	MetricsConfig = configpkg.Metrics
	OptionSet     = configpkg.OptionSet

	Runtime       = runtimepkg.Runtime
	RuntimeOption = runtimepkg.RuntimeOption
	Service       = runtimepkg.Service
	State         = runtimepkg.State
	ServiceInfo   = runtimepkg.ServiceInfo
	BindingInfo   = runtimepkg.BindingInfo

	// Declaring capabilities
	Capable       = runtimepkg.Capable
	Named         = runtimepkg.Named
	Optioned      = runtimepkg.Optioned
	Registry      = runtimepkg.Registry
	Binding       = runtimepkg.Binding
	BindingKind   = runtimepkg.BindingKind
	BindingOption = runtimepkg.BindingOption

	// HTTP routes
	Context          = httppkg.Context
	HandlerFunc      = httppkg.HandlerFunc
	Route            = httppkg.Route
	RouteGroup       = httppkg.RouteGroup
	HTTPError        = httppkg.Error
	HTTPServerConfig = httppkg.Config
	Middleware       = httppkg.Middleware

	// Messaging
	Destination   = destinationpkg.Destination
	Queue         = workerpkg.Queue
	PublishSource = workerpkg.Source
	Metadata      = metadatapkg.Metadata
	Codec         = jsoncodec.Codec

	// Broker schemes
	BrokerManager      = brokerpkg.Manager
	BrokerRegistry     = brokerpkg.Registry
	BrokerDialer       = brokerpkg.Dialer
	BrokerCapabilities = brokerpkg.Capabilities

	// Alerts
	AlertChannel = alertpkg.Channel
	AlertRecord  = alertpkg.Record
	Severity     = alertpkg.Severity

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigError           = errspkg.ConfigError
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	NewService     = runtimepkg.NewService
	Discover       = runtimepkg.Discover
	WithExit       = runtimepkg.WithExit
	WithNotifier   = runtimepkg.WithNotifier
	WithSchemes    = runtimepkg.WithSchemes
	WithOverride   = runtimepkg.WithOverride
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig
	NewOptionSet   = configpkg.NewOptionSet

	Group    = httppkg.Group
	GET      = httppkg.GET
	POST     = httppkg.POST
	PUT      = httppkg.PUT
	PATCH    = httppkg.PATCH
	DELETE   = httppkg.DELETE
	NewError = httppkg.NewError

	QueueAddress      = destinationpkg.Queue
	TopicAddress      = destinationpkg.Topic
	ParseAddress      = destinationpkg.Parse
	NewQueue          = workerpkg.NewQueue
	RegisterScheme    = brokerpkg.Register
	NewBrokerRegistry = brokerpkg.NewDefaultRegistry

	DefaultCodec = jsoncodec.Default
	ProtoCodec   = jsoncodec.Proto
	SonicCodec   = jsoncodec.Sonic

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ParseAlertRecord = alertpkg.ParseRecord

	ErrNotAService      = errspkg.ErrNotAService
	ErrAlreadyStarted   = errspkg.ErrAlreadyStarted
	ErrAlreadyStopped   = errspkg.ErrAlreadyStopped
	ErrNotStarted       = errspkg.ErrNotStarted
	ErrRuntimeRequired  = errspkg.ErrRuntimeRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrBrokerInactive   = errspkg.ErrBrokerInactive
	ErrUnknownScheme    = errspkg.ErrUnknownScheme
	IsConfigError       = errspkg.IsConfigError

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	DiscardLogger             = loggingpkg.Discard

	NewID = idspkg.New
)

// Binding kinds reported by Discover.
const (
	RouteMapping    = runtimepkg.RouteMapping
	LifecycleBefore = runtimepkg.LifecycleBefore
	LifecycleAfter  = runtimepkg.LifecycleAfter
	Listener        = runtimepkg.Listener
	Publisher       = runtimepkg.Publisher
	ConfigHook      = runtimepkg.ConfigHook
	CodecHook       = runtimepkg.CodecHook
)

// Service states.
const (
	Created = runtimepkg.Created
	Started = runtimepkg.Started
	Stopped = runtimepkg.Stopped
)

const (
	Warning = alertpkg.Warning
	Severe  = alertpkg.Severe

	// Shutdown stops a listener that receives it.
	Shutdown = workerpkg.Shutdown
)

// NewRuntime starts the broker and the alert channel. Close it when the
// process is done.
func NewRuntime(ctx context.Context, cfg Config, log ServiceLogger, opts ...RuntimeOption) (*Runtime, error) {
	return runtimepkg.NewRuntime(ctx, cfg, log, opts...)
}
