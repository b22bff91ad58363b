package peer

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// newAPI builds the pion API with its internal logging routed through a
// factory capped at warn level, so ICE chatter stays out of normal output.
func newAPI() *webrtc.API {
	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = logging.LogLevelWarn

	settings := webrtc.SettingEngine{}
	settings.LoggerFactory = factory

	return webrtc.NewAPI(webrtc.WithSettingEngine(settings))
}
