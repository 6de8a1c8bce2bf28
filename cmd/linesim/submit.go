package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/linesim/internal/gateway/httpapi"
	"github.com/jkaninda/linesim/internal/protocol"
	"github.com/jkaninda/linesim/internal/storage"
)

var (
	submitGatewayURL string
	submitAPIKey     string
	submitTrack      string
	submitTotalTime  time.Duration
	submitFollow     bool
	submitTimeout    time.Duration
	submitJSON       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <module.wasm>",
	Short: "Submit a module to a linesim server",
	Long: `Upload a controller module to a running "linesim serve" and print the
stored result. With --follow the run is started asynchronously and its
progress is streamed until it finishes.

Examples:
  linesim submit robot.wasm
  linesim submit robot.wasm --track line --total-time 20s --follow

Exit codes:
  0  run completed
  1  request or server error
  2  module rejected, unauthorized or rate limited
  3  run faulted
  4  server unavailable`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitGatewayURL, "gateway-url", "http://localhost:8080", "linesim server URL (or LINESIM_GATEWAY_URL env)")
	submitCmd.Flags().StringVar(&submitAPIKey, "api-key", "", "API key (or LINESIM_API_KEY env)")
	submitCmd.Flags().StringVar(&submitTrack, "track", "", "built-in track (default: the server's)")
	submitCmd.Flags().DurationVar(&submitTotalTime, "total-time", 0, "logical run length (default: the server's)")
	submitCmd.Flags().BoolVarP(&submitFollow, "follow", "f", false, "run asynchronously and stream progress")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "give up after this long")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "print the run as JSON")
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *client) do(req *http.Request) (*http.Response, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", c.baseURL, err)
		return nil, exitCode(ExitUnavailable)
	}
	return resp, nil
}

func runSubmit(_ *cobra.Command, args []string) error {
	module, err := readModule(args[0])
	if err != nil {
		return err
	}

	c := &client{
		baseURL: strings.TrimRight(goutils.Env("LINESIM_GATEWAY_URL", submitGatewayURL), "/"),
		apiKey:  goutils.Env("LINESIM_API_KEY", submitAPIKey),
		http:    http.DefaultClient,
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	run, err := c.submit(ctx, module)
	if err != nil {
		return err
	}
	if submitFollow && run.EventsURL != "" {
		if err := c.follow(ctx, run.ID); err != nil {
			return err
		}
		if run, err = c.get(ctx, run.ID); err != nil {
			return err
		}
	}
	return printRun(run)
}

func (c *client) submit(ctx context.Context, module []byte) (*httpapi.RunResponse, error) {
	q := url.Values{}
	if submitTrack != "" {
		q.Set("track", submitTrack)
	}
	if submitTotalTime > 0 {
		q.Set("total_time_us", strconv.FormatInt(submitTotalTime.Microseconds(), 10))
	}
	if submitFollow {
		q.Set("async", "true")
	}
	target := c.baseURL + "/v1/runs"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(module))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/wasm")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted, http.StatusUnprocessableEntity:
		var run httpapi.RunResponse
		if err := json.Unmarshal(body, &run); err != nil || run.ID == "" {
			// A 422 without a run is a validation error from before storage.
			return nil, responseError(resp.StatusCode, body)
		}
		return &run, nil
	default:
		return nil, responseError(resp.StatusCode, body)
	}
}

func (c *client) get(ctx context.Context, id string) (*httpapi.RunResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp.StatusCode, body)
	}
	var run httpapi.RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

// follow prints live progress until the run finishes. A run that ended
// before the stream opened answers 404, which is not an error.
func (c *client) follow(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+id+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return responseError(resp.StatusCode, body)
	}

	// Parse SSE stream.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var total float64

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.MsgRunStarted:
			var started protocol.RunStarted
			if env.Decode(&started) == nil {
				total = started.TotalTimeS
				fmt.Fprintf(os.Stderr, "running %s on %s (%.1f s)\n", started.Robot, started.Track, total)
			}
		case protocol.MsgRunStep:
			var frame protocol.StepFrame
			if env.Decode(&frame) == nil {
				clock := float64(frame.Step.TimeS)
				pos := frame.Step.Chassis.Position()
				if total > 0 {
					fmt.Fprintf(os.Stderr, "\r%6.2f s  %3.0f%%  x=%7.3f y=%7.3f", clock, 100*clock/total, pos.X(), pos.Y())
				} else {
					fmt.Fprintf(os.Stderr, "\r%6.2f s  x=%7.3f y=%7.3f", clock, pos.X(), pos.Y())
				}
			}
		case protocol.MsgRunFinished:
			var done protocol.RunFinished
			if env.Decode(&done) == nil {
				fmt.Fprintf(os.Stderr, "\n%s after %d steps\n", done.Status, done.Steps)
			}
			return nil
		case protocol.MsgError:
			var p protocol.ErrorPayload
			_ = env.Decode(&p)
			return fmt.Errorf("stream error %s: %s", p.Code, p.Message)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return ctx.Err()
}

func responseError(status int, body []byte) error {
	var e httpapi.ErrorBody
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	switch status {
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		return exitCode(ExitRejected)
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		return exitCode(ExitRejected)
	case http.StatusUnprocessableEntity:
		fmt.Fprintf(os.Stderr, "Error: rejected: %s\n", msg)
		return exitCode(ExitRejected)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d): %s\n", status, msg)
		return exitCode(ExitUnavailable)
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
}

func printRun(run *httpapi.RunResponse) error {
	if submitJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		fmt.Printf("run       %s\n", run.ID)
		if run.Robot != "" {
			fmt.Printf("robot     %s\n", run.Robot)
		}
		fmt.Printf("track     %s\n", run.Track)
		fmt.Printf("status    %s\n", run.Status)
		if run.Fault != "" {
			fmt.Printf("fault     %s: %s\n", run.FaultKind, run.Fault)
		}
		if s := run.Summary; s != nil {
			fmt.Printf("outcome   %s\n", s.Outcome)
			if s.FinishedAtS > 0 {
				fmt.Printf("finished  %.3f s\n", s.FinishedAtS)
			}
			fmt.Printf("distance  %.3f m\n", s.DistanceM)
			fmt.Printf("on line   %.3f s\n", s.TimeOnLineS)
		}
		fmt.Printf("clock     %.3f s in %d steps\n", run.ClockS, run.Steps)
	}

	switch run.Status {
	case storage.StatusRejected:
		return exitCode(ExitRejected)
	case "faulted":
		return exitCode(ExitFaulted)
	}
	return nil
}
