// Command nsq_tail connects to one or more brokers (directly or via lookup
// discovery) and prints every message received on a topic/channel to
// stdout. Adapted from the flag-parsing and signal-handling shape of
// nsq_event_router.go, trimmed to the library's public surface instead of
// driving package-level nsq.Reader state.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	nsq "github.com/rajmenon/nsqconsumer"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var (
	showVersion = flag.Bool("version", false, "print version string")

	topic       = flag.String("topic", "", "nsq topic")
	channel     = flag.String("channel", "", "nsq channel")
	maxInFlight = flag.Int64("max-in-flight", 200, "max number of messages to allow in flight")

	nsqdTCPAddrs     stringSliceFlag
	lookupdHTTPAddrs stringSliceFlag
)

func init() {
	flag.Var(&nsqdTCPAddrs, "nsqd-tcp-address", "nsqd TCP address (may be given multiple times)")
	flag.Var(&lookupdHTTPAddrs, "lookupd-http-address", "lookupd HTTP address (may be given multiple times)")
}

type tailHandler struct{}

func (tailHandler) HandleMessage(m *nsq.Message) error {
	fmt.Printf("[%s] %s\n", m.NSQDAddress, m.Body)
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("nsq_tail v%s\n", nsq.Version)
		return
	}

	if *topic == "" {
		log.Fatalf("--topic is required")
	}
	if *channel == "" {
		rand.Seed(time.Now().UnixNano())
		*channel = fmt.Sprintf("nsq_tail%06d#ephemeral", rand.Intn(999999))
	}
	if len(nsqdTCPAddrs) == 0 && len(lookupdHTTPAddrs) == 0 {
		log.Fatalf("--nsqd-tcp-address or --lookupd-http-address required")
	}

	config := nsq.NewConfig()
	config.MaxInFlight = *maxInFlight

	consumer, err := nsq.NewConsumer(*topic, *channel, config)
	if err != nil {
		log.Fatalf(err.Error())
	}
	consumer.AddHandler(tailHandler{}, 1)

	if err := consumer.ConnectToNSQDs(nsqdTCPAddrs); err != nil {
		log.Fatalf(err.Error())
	}
	for _, addr := range lookupdHTTPAddrs {
		if err := consumer.ConnectToNSQLookupd(addr); err != nil {
			log.Fatalf(err.Error())
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		consumer.Stop()
	case <-consumer.StopChan():
		return
	}
	<-consumer.StopChan()
}
