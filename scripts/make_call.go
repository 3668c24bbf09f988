// make_call places an outbound call whose audio is bridged to the agent by
// a session running with audio.backend: twilio.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/duplex/pkg/configutil"
	"github.com/harunnryd/duplex/pkg/devices/twilio"
	"github.com/harunnryd/duplex/pkg/session"
)

func main() {
	configPath := flag.String("config", "examples/jukebox/config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: go run scripts/make_call.go -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}

	cfg, err := session.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var tc twilio.Config
	if err := configutil.DecodeSettings(cfg.Audio.Settings, &tc); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && tc.PublicURL == "" {
		fmt.Println("audio.settings.public_url is empty")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	callSID, err := twilio.NewDialer(tc).DialWithOptions(ctx, *to, *from, *voiceURL, twilio.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
