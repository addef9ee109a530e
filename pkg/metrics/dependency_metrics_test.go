package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecordCommandExecution(t *testing.T) {
	commandExecutionTotal.Reset()

	RecordCommandExecution("ffmpeg", "local", "success")
	RecordCommandExecution("ffmpeg", "local", "success")

	metric := &dto.Metric{}
	if err := commandExecutionTotal.WithLabelValues("ffmpeg", "local", "success").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected counter value 2, got %f", metric.Counter.GetValue())
	}
}

func TestRecordCommandDuration(t *testing.T) {
	commandExecutionDuration.Reset()

	RecordCommandDuration("ffmpeg", "remote", 5.5)
	RecordCommandDuration("ffmpeg", "remote", 10.0)

	metric := &dto.Metric{}
	observer, err := commandExecutionDuration.GetMetricWithLabelValues("ffmpeg", "remote")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if err := observer.(interface{ Write(*dto.Metric) error }).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if got := metric.Histogram.GetSampleCount(); got != 2 {
		t.Errorf("Expected 2 samples, got %d", got)
	}
	if got := metric.Histogram.GetSampleSum(); got != 15.5 {
		t.Errorf("Expected sum 15.5, got %f", got)
	}
}

func TestRecordDegradationEvent(t *testing.T) {
	degradationEventsTotal.Reset()

	RecordDegradationEvent("remote", "local")

	metric := &dto.Metric{}
	if err := degradationEventsTotal.WithLabelValues("remote", "local").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("Expected counter value 1, got %f", metric.Counter.GetValue())
	}
}
