package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/harunnryd/callbridge/pkg/callbridge"
	"github.com/harunnryd/callbridge/pkg/transports"
	twiliotransport "github.com/harunnryd/callbridge/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "examples/restaurant/config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}
	cfg, err := callbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && cfg.Server.PublicURL == "" {
		fmt.Println("server.public_url is empty")
		os.Exit(1)
	}
	dialer := twiliotransport.NewDialer(cfg.TransportConfig())
	callSID, err := dialer.DialWithOptions(context.Background(), *to, *from, *voiceURL, transports.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
