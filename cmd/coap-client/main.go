package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"coap/coap"
	"coap/internal/coapuri"
	"coap/internal/config"
	"coap/internal/message"
	"coap/internal/obslog"
	"coap/internal/transport"
)

var (
	payload    string
	nonConfirm bool
	logLevel   string
	timeout    time.Duration
)

func init() {
	getCmd.Flags().BoolVar(&nonConfirm, "non", false, "send as NonConfirmable instead of Confirmable")
	getCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall request deadline")
	postCmd.Flags().StringVar(&payload, "data", "", "payload to send with the request")
	postCmd.Flags().BoolVar(&nonConfirm, "non", false, "send as NonConfirmable instead of Confirmable")
	postCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall request deadline")
	observeCmd.Flags().DurationVar(&timeout, "for", 30*time.Second, "how long to stay subscribed before cancelling")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(getCmd, postCmd, observeCmd)
}

var rootCmd = &cobra.Command{
	Use:   "coap-client",
	Short: "`coap-client` issues one-shot and Observe requests against a CoAP endpoint",
}

var getCmd = &cobra.Command{
	Use:   "get <coap://host:port/path>",
	Short: "perform a GET and print the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ep, err := newClientEndpoint()
		if err != nil {
			return err
		}
		defer shutdown(ep)

		uri, err := coapuri.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing %q: %w", args[0], err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		resp, err := ep.Send(ctx, &coap.Request{Code: message.GET, URI: uri, NonConfirmable: nonConfirm})
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post <coap://host:port/path>",
	Short: "perform a POST carrying --data and print the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ep, err := newClientEndpoint()
		if err != nil {
			return err
		}
		defer shutdown(ep)

		uri, err := coapuri.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing %q: %w", args[0], err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req := &coap.Request{Code: message.POST, URI: uri, Payload: []byte(payload), NonConfirmable: nonConfirm}
		resp, err := ep.Send(ctx, req, coap.WithContentFormat(message.FormatTextPlain))
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

var observeCmd = &cobra.Command{
	Use:   "observe <coap://host:port/path>",
	Short: "register an Observe subscription and print notifications until --for elapses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ep, err := newClientEndpoint()
		if err != nil {
			return err
		}
		defer shutdown(ep)

		uri, err := coapuri.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing %q: %w", args[0], err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
		defer cancel()

		stream, err := ep.SendObserve(ctx, &coap.Request{Code: message.GET, URI: uri})
		if err != nil {
			return err
		}

		deadline := time.After(timeout)
		for {
			select {
			case n, ok := <-stream.Notifications:
				if !ok {
					return nil
				}
				fmt.Printf("seq=%d %s\n", n.Sequence, string(n.Response.Payload))
			case <-deadline:
				cCtx, cCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cCancel()
				return stream.Cancel(cCtx)
			}
		}
	},
}

func newClientEndpoint() (*coap.Endpoint, error) {
	bind := os.Getenv("COAP_CLIENT_BIND")
	if bind == "" {
		bind = ":0"
	}
	// ListenUDP, not DialUDP: Send addresses each datagram to an
	// explicit peer, while a connected socket only writes to the one
	// peer it was dialed to.
	tr, err := transport.ListenUDP(bind)
	if err != nil {
		return nil, fmt.Errorf("opening client socket: %w", err)
	}
	log := obslog.New(logLevel, false)
	return coap.NewEndpoint(tr, config.DefaultEndpointConfig(), coap.WithLogger(log)), nil
}

func shutdown(ep *coap.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ep.Shutdown(ctx)
}

func printResponse(resp *coap.Response) {
	fmt.Printf("%s %s\n", resp.Code, string(resp.Payload))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
