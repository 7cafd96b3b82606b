package alert

import (
	net_http "net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/servicekit/internal/runtime/ids"
)

const notifyTimeout = 5 * time.Second

// NotifierFactory allows overriding the external notification publisher for
// testing.
var NotifierFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(cfg, logger)
}

// newNotifier builds a publisher that POSTs each record to url, ntfy style:
// the body is the rendered record, the title and priority travel as headers.
func newNotifier(url string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NotifierFactory(http.PublisherConfig{
		MarshalMessageFunc: func(_ string, msg *message.Message) (*net_http.Request, error) {
			req, err := http.DefaultMarshalMessageFunc(url, msg)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "text/plain; charset=utf-8")
			req.Header.Set("Title", msg.Metadata.Get("title"))
			req.Header.Set("Priority", msg.Metadata.Get("priority"))
			return req, nil
		},
		Client: &net_http.Client{Timeout: notifyTimeout},
	}, logger)
}

func notification(r Record) *message.Message {
	msg := message.NewMessage(ids.New(), []byte(r.String()))
	msg.Metadata.Set("title", r.Source+" "+r.Severity.String())
	priority := "default"
	if r.Severity == Severe {
		priority = "urgent"
	}
	msg.Metadata.Set("priority", priority)
	return msg
}
