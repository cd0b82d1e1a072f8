// Package microrts implements env.VecEnv against an external MicroRTS
// server process speaking a JSON-lines protocol over TCP.
//
// The server owns the Java game engine and the opponent AI scripts; this
// client only moves batched observations, rewards, done flags and action
// masks across the wire. One request line out, one response line back,
// strictly alternating: the pool is synchronous by design, parallelism
// is data-parallel inside each batched call.
package microrts

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for the connection and the environment pool behind it.
type Config struct {
	// Address of the MicroRTS server, host:port.
	Address string `json:"-"`

	// EnvID selects the environment variant the server should build.
	EnvID string `json:"env_id"`

	// NumEnvs is the number of parallel games the server should run.
	NumEnvs int

	// MapPath selects the map, relative to the server's map directory.
	MapPath string

	// MaxSteps caps episode length before the server forces a draw.
	MaxSteps int

	// RewardWeights scale the server's shaped reward components
	// (win, resource, produce-worker, construct, harvest, attack).
	RewardWeights []float32

	// DialTimeout bounds the initial connection. There is deliberately
	// no per-step timeout: a hung engine is a fatal condition and the
	// operator kills the run.
	DialTimeout time.Duration
}

// Client is a VecEnv talking to the external server. Not safe for
// concurrent use: each actor owns its private client.
type Client struct {
	cfg   Config
	conn  net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	shape env.ObsShape
	space *spaces.MultiDiscrete
}

var _ env.VecEnv = (*Client)(nil)

// request is one JSON line to the server.
type request struct {
	Cmd     string    `json:"cmd"` // "hello", "reset", "step", "close"
	Config  *Config   `json:"config,omitempty"`
	Actions [][]int32 `json:"actions,omitempty"`
}

// response is one JSON line from the server.
type response struct {
	Error string `json:"error,omitempty"`

	// Filled on "hello".
	Height   int `json:"height,omitempty"`
	Width    int `json:"width,omitempty"`
	Channels int `json:"channels,omitempty"`

	// Filled on "reset" and "step".
	Observations []float32 `json:"obs,omitempty"`
	Rewards      []float32 `json:"rewards,omitempty"`
	Dones        []bool    `json:"dones,omitempty"`
	Masks        [][]bool  `json:"masks,omitempty"`

	// FailedEnv is set alongside Error when a single game crashed.
	FailedEnv int `json:"failed_env,omitempty"`
}

// Connect dials the server and negotiates the observation shape.
func Connect(cfg Config) (*Client, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MicroRTS server at %s", cfg.Address)
	}
	c := &Client{
		cfg:  cfg,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
	resp, err := c.roundTrip(request{Cmd: "hello", Config: &cfg})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.shape = env.ObsShape{Height: resp.Height, Width: resp.Width, Channels: resp.Channels}
	if c.shape.FlatDim() == 0 {
		_ = conn.Close()
		return nil, errors.Errorf("server at %s reported empty observation shape %+v", cfg.Address, c.shape)
	}
	c.space = spaces.MicroRTSActionSpace(resp.Height, resp.Width)
	klog.V(1).Infof("Connected to MicroRTS server %s: %d envs, obs %dx%dx%d",
		cfg.Address, cfg.NumEnvs, resp.Height, resp.Width, resp.Channels)
	return c, nil
}

func (c *Client) NumEnvs() int                       { return c.cfg.NumEnvs }
func (c *Client) ObsShape() env.ObsShape             { return c.shape }
func (c *Client) ActionSpace() *spaces.MultiDiscrete { return c.space }

// Reset starts all games over.
func (c *Client) Reset() (*env.Batch, error) {
	resp, err := c.roundTrip(request{Cmd: "reset"})
	if err != nil {
		return nil, err
	}
	return c.toBatch(resp)
}

// Step advances all games by one tick.
func (c *Client) Step(actions [][]int32) (*env.Batch, error) {
	if len(actions) != c.cfg.NumEnvs {
		return nil, errors.Errorf("got %d action vectors for %d environments", len(actions), c.cfg.NumEnvs)
	}
	resp, err := c.roundTrip(request{Cmd: "step", Actions: actions})
	if err != nil {
		return nil, err
	}
	return c.toBatch(resp)
}

// Close tells the server to tear the games down and closes the socket.
func (c *Client) Close() error {
	_, rtErr := c.roundTrip(request{Cmd: "close"})
	err := c.conn.Close()
	if rtErr != nil {
		return rtErr
	}
	return err
}

func (c *Client) roundTrip(req request) (*response, error) {
	enc := json.NewEncoder(c.w)
	if err := enc.Encode(&req); err != nil {
		return nil, errors.Wrapf(err, "failed to send %q to MicroRTS server", req.Cmd)
	}
	if err := c.w.Flush(); err != nil {
		return nil, errors.Wrapf(err, "failed to flush %q to MicroRTS server", req.Cmd)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, errors.Wrapf(err, "connection to MicroRTS server lost during %q", req.Cmd)
	}
	resp := &response{FailedEnv: -1}
	if err := json.Unmarshal(line, resp); err != nil {
		return nil, errors.Wrapf(err, "malformed response to %q from MicroRTS server", req.Cmd)
	}
	if resp.Error != "" {
		err := errors.Errorf("MicroRTS server error on %q: %s", req.Cmd, resp.Error)
		if resp.FailedEnv >= 0 {
			return nil, env.FatalEnvError(resp.FailedEnv, err)
		}
		return nil, err
	}
	return resp, nil
}

// toBatch validates a reset/step payload and converts it.
func (c *Client) toBatch(resp *response) (*env.Batch, error) {
	n := c.cfg.NumEnvs
	if len(resp.Observations) != n*c.shape.FlatDim() {
		return nil, errors.Errorf("server sent %d observation values, want %d",
			len(resp.Observations), n*c.shape.FlatDim())
	}
	if len(resp.Rewards) != n || len(resp.Dones) != n || len(resp.Masks) != n {
		return nil, errors.Errorf("server sent ragged batch: %d rewards, %d dones, %d masks for %d envs",
			len(resp.Rewards), len(resp.Dones), len(resp.Masks), n)
	}
	batch := &env.Batch{
		Observations: resp.Observations,
		Rewards:      resp.Rewards,
		Dones:        resp.Dones,
		Masks:        make([]spaces.Mask, n),
	}
	for i, m := range resp.Masks {
		batch.Masks[i] = spaces.Mask(m)
		if err := batch.Masks[i].Validate(c.space); err != nil {
			return nil, env.FatalEnvError(i, err)
		}
	}
	return batch, nil
}
