package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timealign/internal/config"
	"timealign/internal/pipeline"
)

type fakeToken struct {
	err      error
	complete bool
}

func (t fakeToken) Wait() bool                     { return t.complete }
func (t fakeToken) WaitTimeout(time.Duration) bool { return t.complete }
func (t fakeToken) Error() error                   { return t.err }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	connected bool
	token     fakeToken
	sent      []published
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func fixedNotifier(c *fakeClient) *MQTTNotifier {
	n := newNotifier(c, "lapse/jobs", 1, slog.Default())
	n.now = func() time.Time { return time.Unix(1700000000, 0) }
	return n
}

func TestPublishCompletedResult(t *testing.T) {
	c := &fakeClient{connected: true, token: fakeToken{complete: true}}
	n := fixedNotifier(c)

	res := pipeline.Result{
		Job:  pipeline.Job{ID: "j1", Type: pipeline.JobSolve},
		Meta: map[string]any{"images": 4},
	}
	require.NoError(t, n.Publish(res))
	require.Len(t, c.sent, 1)
	assert.Equal(t, "lapse/jobs/solve", c.sent[0].topic)
	assert.Equal(t, byte(1), c.sent[0].qos)

	var msg Message
	require.NoError(t, json.Unmarshal(c.sent[0].payload, &msg))
	assert.Equal(t, "j1", msg.Job)
	assert.Equal(t, "solve", msg.Type)
	assert.Equal(t, "completed", msg.Status)
	assert.Empty(t, msg.Error)
	assert.Equal(t, float64(4), msg.Meta["images"])
	assert.Equal(t, int64(1700000000), msg.Timestamp)
}

func TestPublishFailedResult(t *testing.T) {
	c := &fakeClient{connected: true, token: fakeToken{complete: true}}
	n := fixedNotifier(c)

	res := pipeline.Result{Job: pipeline.Job{ID: "j2", Type: pipeline.JobApply}, Error: errors.New("no params")}
	require.NoError(t, n.Publish(res))

	var msg Message
	require.NoError(t, json.Unmarshal(c.sent[0].payload, &msg))
	assert.Equal(t, "lapse/jobs/apply", c.sent[0].topic)
	assert.Equal(t, "failed", msg.Status)
	assert.Equal(t, "no params", msg.Error)
}

func TestPublishErrors(t *testing.T) {
	res := pipeline.Result{Job: pipeline.Job{ID: "j3", Type: pipeline.JobApply}}

	offline := &fakeClient{}
	assert.Error(t, fixedNotifier(offline).Publish(res))
	assert.Empty(t, offline.sent)

	timeout := &fakeClient{connected: true}
	assert.ErrorContains(t, fixedNotifier(timeout).Publish(res), "timed out")

	broken := &fakeClient{connected: true, token: fakeToken{complete: true, err: errors.New("refused")}}
	assert.ErrorContains(t, fixedNotifier(broken).Publish(res), "refused")

	// Notify swallows the error
	fixedNotifier(broken).Notify(res)
}

func TestNewWithoutBrokerIsDisabled(t *testing.T) {
	n, err := New(config.MQTTConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.NoError(t, n.Publish(pipeline.Result{}))
	n.Close()
}

func TestDefaultPrefix(t *testing.T) {
	n := newNotifier(&fakeClient{}, "", 0, slog.Default())
	assert.Equal(t, "timealign/jobs/solve", n.Topic(pipeline.JobSolve))
}
