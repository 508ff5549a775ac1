// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("main.name", "statesync")
	v.SetDefault("main.debug", false)

	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.fileoutput.enabled", false)
	v.SetDefault("logging.fileoutput.path", "logs/statesync.log")
	v.SetDefault("logging.fileoutput.level", "info")

	v.SetDefault("server.listen", "127.0.0.1:8420")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.queuesize", 256)
	v.SetDefault("server.observerqueuesize", 64)
	v.SetDefault("server.sendqueuesize", 256)
	v.SetDefault("server.tombstonettl", 10*time.Minute)
	v.SetDefault("server.writetimeout", 10*time.Second)
	v.SetDefault("server.pongwait", 60*time.Second)
	v.SetDefault("server.maxmessagesize", 64*1024)

	v.SetDefault("client.url", "ws://127.0.0.1:8420/ws")
	v.SetDefault("client.requesttimeout", 10*time.Second)
	v.SetDefault("client.reconnectdelay", time.Second)
	v.SetDefault("client.maxreconnectdelay", 30*time.Second)
	v.SetDefault("client.mirrorqueuesize", 256)

	v.SetDefault("schemafile", "")

	v.SetDefault("producer.name", "thing")
	v.SetDefault("producer.samplerate", 48000)
	v.SetDefault("producer.blocksize", 1024)
	v.SetDefault("producer.bufferdepth", 8)
	v.SetDefault("producer.bufferseconds", 2.0)
	v.SetDefault("producer.publishrms", false)
	v.SetDefault("producer.source.type", "tone")
	v.SetDefault("producer.source.file", "")
	v.SetDefault("producer.source.loop", true)
	v.SetDefault("producer.source.device", "")
	v.SetDefault("producer.source.frequency", 440.0)
	v.SetDefault("producer.source.amplitude", 0.5)

	v.SetDefault("watch.name", "thing")
	v.SetDefault("watch.announce", false)
	v.SetDefault("watch.width", 60)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "statesync")
	v.SetDefault("mqtt.schemas", []string{})
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.listen", "127.0.0.1:8421")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}
