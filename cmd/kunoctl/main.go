// Command kunoctl is a developer client for a kuno gateway and its storage nodes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kuno/client"
	"kuno/config"
	"kuno/crypto"
	"kuno/logging"
	"kuno/models"
	"kuno/network"
	"kuno/replica"
	"kuno/storage"
)

const usage = `usage: kunoctl <command> [flags]

commands:
  token    issue a development credential
  send     send one sealed message through the gateway
  listen   print messages pushed by the gateway until interrupted
  inbox    fetch, open and acknowledge messages held by storage nodes
  health   probe storage node health
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "listen":
		err = runListen(ctx, os.Args[2:])
	case "inbox":
		err = runInbox(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kunoctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	keyPath := fs.String("key", "", "token signing private key (default: gateway data dir)")
	account := fs.String("account", "", "account ID")
	username := fs.String("username", "", "username")
	device := fs.Int("device", 1, "device ID")
	ttl := fs.Duration("ttl", 24*time.Hour, "credential lifetime, 0 for none")
	_ = fs.Parse(args)

	if *keyPath == "" {
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		*keyPath = filepath.Join(dataDir, "keys", "token_ed25519_private.pem")
	}
	privateKey, err := crypto.LoadSigningPrivateKey(*keyPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	claims := models.Claims{AccountID: *account, Username: *username, DeviceID: *device}
	if *ttl > 0 {
		claims.ExpiresAt = time.Now().Add(*ttl).Unix()
	}
	token, err := crypto.IssueToken(privateKey, claims)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

type gatewayFlags struct {
	gateway *string
	token   *string
	verbose *bool
}

func addGatewayFlags(fs *flag.FlagSet) gatewayFlags {
	return gatewayFlags{
		gateway: fs.String("gateway", "ws://localhost:3001/ws", "gateway websocket URL"),
		token:   fs.String("token", os.Getenv("KUNO_TOKEN"), "credential (default $KUNO_TOKEN)"),
		verbose: fs.Bool("v", false, "debug logging"),
	}
}

func (g gatewayFlags) connect(ctx context.Context) (*client.Transport, <-chan network.Envelope, error) {
	if *g.token == "" {
		return nil, nil, errors.New("a credential is required (-token or $KUNO_TOKEN)")
	}

	logger, err := cliLogger(*g.verbose)
	if err != nil {
		return nil, nil, err
	}
	transport, err := client.NewTransport(client.Options{GatewayURL: *g.gateway, Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	inbound := make(chan network.Envelope, 64)
	transport.OnMessage(func(env network.Envelope) {
		select {
		case inbound <- env:
		default:
		}
	})
	if err := transport.Connect(ctx, *g.token); err != nil {
		_ = transport.Disconnect()
		return nil, nil, err
	}
	if _, err := waitFor(ctx, inbound, 10*time.Second, network.TypeConnected); err != nil {
		_ = transport.Disconnect()
		return nil, nil, err
	}
	return transport, inbound, nil
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	gw := addGatewayFlags(fs)
	to := fs.String("to", "", "recipient username")
	device := fs.Int("device", -1, "recipient device ID, -1 for every device")
	secret := fs.String("secret", os.Getenv("KUNO_SECRET"), "shared secret used to seal the payload (default $KUNO_SECRET)")
	messageType := fs.String("type", "text", "message type")
	_ = fs.Parse(args)

	text := strings.Join(fs.Args(), " ")
	if *to == "" || text == "" {
		return errors.New("usage: kunoctl send -to <username> [flags] <message>")
	}
	if *secret == "" {
		return errors.New("a shared secret is required (-secret or $KUNO_SECRET)")
	}

	sealed, err := crypto.SealPayload([]byte(*secret), []byte(text))
	if err != nil {
		return err
	}

	transport, inbound, err := gw.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Disconnect() }()

	req := network.SendMessageRequest{
		RecipientUsername: *to,
		EncryptedPayload:  sealed,
		MessageType:       *messageType,
	}
	if *device >= 0 {
		req.RecipientDeviceID = device
	}
	if err := transport.Send(network.TypeSendMessage, req); err != nil {
		return err
	}

	env, err := waitFor(ctx, inbound, 10*time.Second, network.TypeMessageAck, network.TypeError)
	if err != nil {
		return err
	}
	if env.Type == network.TypeError {
		var payload network.ErrorPayload
		_ = network.DecodePayload(env, &payload)
		return errors.New(payload.Message)
	}

	var ack network.MessageAck
	if err := network.DecodePayload(env, &ack); err != nil {
		return err
	}
	fmt.Printf("sent %s at %s\n", ack.MessageID, time.UnixMilli(ack.Timestamp).Format(time.RFC3339))
	return nil
}

func runListen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	gw := addGatewayFlags(fs)
	secret := fs.String("secret", os.Getenv("KUNO_SECRET"), "shared secret used to open payloads (default $KUNO_SECRET)")
	_ = fs.Parse(args)

	transport, inbound, err := gw.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Disconnect() }()

	fmt.Println("listening, press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-inbound:
			switch env.Type {
			case network.TypeReceiveMessage:
				var message models.RoutedMessage
				if err := network.DecodePayload(env, &message); err != nil {
					fmt.Fprintf(os.Stderr, "bad message: %v\n", err)
					continue
				}
				printMessage(message, []byte(*secret))
			case network.TypeTyping:
				var event network.TypingEvent
				if network.DecodePayload(env, &event) == nil && event.IsTyping {
					fmt.Printf("%s is typing\n", event.Username)
				}
			case network.TypeReadReceipt:
				var event network.ReadReceiptEvent
				if network.DecodePayload(env, &event) == nil {
					fmt.Printf("%s read %s\n", event.ReadBy, event.MessageID)
				}
			}
		}
	}
}

func runInbox(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inbox", flag.ExitOnError)
	nodes := fs.String("nodes", "", "comma separated storage node URLs (default: the three local nodes)")
	account := fs.String("account", "", "account ID")
	secret := fs.String("secret", os.Getenv("KUNO_SECRET"), "shared secret used to open payloads (default $KUNO_SECRET)")
	dbPath := fs.String("db", "", "seen-id database (default: <data dir>/kunoctl.db)")
	verbose := fs.Bool("v", false, "debug logging")
	_ = fs.Parse(args)

	if *account == "" {
		return errors.New("-account is required")
	}
	if *dbPath == "" {
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return err
		}
		*dbPath = filepath.Join(dataDir, "kunoctl.db")
	}

	logger, err := cliLogger(*verbose)
	if err != nil {
		return err
	}
	seen, err := storage.OpenPath(*dbPath, storage.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = seen.Close() }()

	inbox, err := client.NewInbox(replica.NewClient(parseNodes(*nodes), replica.Options{Logger: logger}), seen, logger)
	if err != nil {
		return err
	}

	result, err := inbox.Sync(ctx, *account, func(message models.RoutedMessage) error {
		return printMessage(message, []byte(*secret))
	})
	if err != nil {
		return err
	}
	fmt.Printf("fetched %d, read %d, already read %d, failed %d, forgot %d old ids\n",
		result.Fetched, result.Consumed, result.Skipped, result.Failed, result.Forgotten)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	nodes := fs.String("nodes", "", "comma separated storage node URLs (default: the three local nodes)")
	_ = fs.Parse(args)

	health := replica.NewClient(parseNodes(*nodes), replica.Options{}).CheckHealth(ctx)
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(health); err != nil {
		return err
	}
	for _, h := range health {
		if !h.Healthy {
			return errors.New("one or more storage nodes are unhealthy")
		}
	}
	return nil
}

func printMessage(message models.RoutedMessage, secret []byte) error {
	when := time.UnixMilli(message.Timestamp).Format(time.RFC3339)
	if len(secret) == 0 {
		fmt.Printf("[%s] %s: <sealed %d bytes>\n", when, message.SenderUsername, len(message.EncryptedPayload))
		return nil
	}
	plaintext, err := crypto.OpenPayload(secret, message.EncryptedPayload)
	if err != nil {
		return fmt.Errorf("open %s: %w", message.ID, err)
	}
	fmt.Printf("[%s] %s: %s\n", when, message.SenderUsername, plaintext)
	return nil
}

func waitFor(ctx context.Context, inbound <-chan network.Envelope, timeout time.Duration, types ...string) (network.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case env := <-inbound:
			for _, want := range types {
				if env.Type == want {
					return env, nil
				}
			}
		case <-deadline.C:
			return network.Envelope{}, fmt.Errorf("timed out waiting for %s", strings.Join(types, " or "))
		case <-ctx.Done():
			return network.Envelope{}, ctx.Err()
		}
	}
}

func parseNodes(raw string) []models.Backend {
	if strings.TrimSpace(raw) == "" {
		return config.DefaultStorageNodes()
	}
	var backends []models.Backend
	for _, part := range strings.Split(raw, ",") {
		nodeURL := strings.TrimSpace(part)
		if nodeURL == "" {
			continue
		}
		backends = append(backends, models.Backend{ID: "node-" + strconv.Itoa(len(backends)+1), URL: nodeURL})
	}
	return backends
}

func cliLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return logging.NewLogger("debug")
}
