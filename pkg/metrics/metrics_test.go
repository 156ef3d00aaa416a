package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsEnabled(t *testing.T) {
	Disable()
	assert.False(t, IsEnabled())

	Enable()
	assert.True(t, IsEnabled())

	Disable()
	assert.False(t, IsEnabled())
}

func TestRecordCommand(t *testing.T) {
	Enable()
	defer Disable()

	CommandsTotal.Reset()
	CommandDuration.Reset()

	RecordCommand("Sign", StatusSuccess, 0.01)
	RecordCommand("Sign", StatusSuccess, 0.02)
	RecordCommand("Load", StatusError, 0.001)

	assert.Equal(t, 2, testutil.CollectAndCount(CommandsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(CommandsTotal.WithLabelValues("Sign", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(CommandsTotal.WithLabelValues("Load", StatusError)))
	assert.Equal(t, 2, testutil.CollectAndCount(CommandDuration))
}

func TestRecordCommandWhenDisabled(t *testing.T) {
	Disable()

	CommandsTotal.Reset()
	CommandDuration.Reset()

	RecordCommand("Sign", StatusSuccess, 0.01)

	assert.Equal(t, 0, testutil.CollectAndCount(CommandsTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(CommandDuration))
}

func TestRecordError(t *testing.T) {
	Enable()
	defer Disable()

	ErrorsTotal.Reset()

	RecordError("Create", "ResourceExhausted")
	RecordError("Create", "ResourceExhausted")
	RecordError("Sign", "AuthorizationFailed")

	assert.Equal(t, float64(2), testutil.ToFloat64(ErrorsTotal.WithLabelValues("Create", "ResourceExhausted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ErrorsTotal.WithLabelValues("Sign", "AuthorizationFailed")))
}

func TestRegisteredHandles(t *testing.T) {
	Enable()
	defer Disable()

	RegisteredHandles.Reset()

	AddRegisteredHandles("transient", 1)
	AddRegisteredHandles("transient", 1)
	AddRegisteredHandles("session", 1)
	AddRegisteredHandles("transient", -1)

	assert.Equal(t, float64(1), testutil.ToFloat64(RegisteredHandles.WithLabelValues("transient")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RegisteredHandles.WithLabelValues("session")))
}

func TestTeardownAndContexts(t *testing.T) {
	Enable()
	defer Disable()

	TeardownFailuresTotal.Reset()
	OpenContexts.Set(0)

	ContextOpened()
	ContextOpened()
	ContextClosed()
	RecordTeardownFailure("session")

	assert.Equal(t, float64(1), testutil.ToFloat64(OpenContexts))
	assert.Equal(t, float64(1), testutil.ToFloat64(TeardownFailuresTotal.WithLabelValues("session")))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(true))
	assert.Equal(t, StatusError, StatusOf(false))
}
