package source

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonv1 "go.opentelemetry.io/proto/otlp/common/v1"
	metricsv1 "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

var (
	keyResourceLogs    = []byte(`"resourceLogs"`)
	keyResourceMetrics = []byte(`"resourceMetrics"`)
	otlpUnmarshal      = protojson.UnmarshalOptions{DiscardUnknown: true}
)

func isOTLPLine(line []byte) bool {
	return bytes.Contains(line, keyResourceLogs) || bytes.Contains(line, keyResourceMetrics)
}

// otlpDrops tallies entries inside a decoded line that produced no record.
type otlpDrops struct {
	untimed     int      // log records or points with no timestamp
	unsupported int      // histogram, exponential histogram and summary metrics
	kinds       []string // names of the unsupported metrics, in order
}

// parseOTLPLine decodes one exporter line. A line may hold a logs request,
// a metrics request, or both envelopes' worth of data.
func parseOTLPLine(line []byte, lineNo int) ([]RawRecord, otlpDrops, error) {
	var (
		recs  []RawRecord
		drops otlpDrops
	)
	if bytes.Contains(line, keyResourceLogs) {
		var req collectorlogs.ExportLogsServiceRequest
		if err := otlpUnmarshal.Unmarshal(line, &req); err != nil {
			return nil, otlpDrops{}, err
		}
		recs = append(recs, logRecords(&req, lineNo, &drops)...)
	}
	if bytes.Contains(line, keyResourceMetrics) {
		var req collectormetrics.ExportMetricsServiceRequest
		if err := otlpUnmarshal.Unmarshal(line, &req); err != nil {
			return nil, otlpDrops{}, err
		}
		recs = append(recs, metricRecords(&req, lineNo, &drops)...)
	}
	return recs, drops, nil
}

func logRecords(req *collectorlogs.ExportLogsServiceRequest, lineNo int, drops *otlpDrops) []RawRecord {
	var out []RawRecord
	for _, rl := range req.GetResourceLogs() {
		resAttrs := otlpAttributes(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			for _, lr := range sl.GetLogRecords() {
				ts := lr.GetTimeUnixNano()
				if ts == 0 {
					ts = lr.GetObservedTimeUnixNano()
				}
				if ts == 0 {
					drops.untimed++
					continue
				}
				attrs := mergeAttributes(resAttrs, otlpAttributes(lr.GetAttributes()))
				body := anyValueString(lr.GetBody())
				event := attrs["event.name"]
				if event == "" {
					event = body
				}
				out = append(out, RawRecord{
					Type:       RecordLog,
					Line:       lineNo,
					Timestamp:  time.Unix(0, int64(ts)).UTC(), //nolint:gosec // nanos fit int64 until 2262
					SessionID:  sessionIDFrom(nil, attrs),
					Event:      event,
					Text:       body,
					Attributes: attrs,
				})
			}
		}
	}
	return out
}

func metricRecords(req *collectormetrics.ExportMetricsServiceRequest, lineNo int, drops *otlpDrops) []RawRecord {
	var out []RawRecord
	for _, rm := range req.GetResourceMetrics() {
		resAttrs := otlpAttributes(rm.GetResource().GetAttributes())
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				var points []*metricsv1.NumberDataPoint
				switch {
				case m.GetSum() != nil:
					points = m.GetSum().GetDataPoints()
				case m.GetGauge() != nil:
					points = m.GetGauge().GetDataPoints()
				case m.GetHistogram() != nil, m.GetExponentialHistogram() != nil, m.GetSummary() != nil:
					drops.unsupported++
					drops.kinds = append(drops.kinds, m.GetName())
				}
				for _, dp := range points {
					if dp.GetTimeUnixNano() == 0 {
						drops.untimed++
						continue
					}
					var value any
					switch v := dp.GetValue().(type) {
					case *metricsv1.NumberDataPoint_AsDouble:
						value = v.AsDouble
					case *metricsv1.NumberDataPoint_AsInt:
						value = v.AsInt
					}
					attrs := mergeAttributes(resAttrs, otlpAttributes(dp.GetAttributes()))
					out = append(out, RawRecord{
						Type:       RecordMetric,
						Line:       lineNo,
						Timestamp:  time.Unix(0, int64(dp.GetTimeUnixNano())).UTC(), //nolint:gosec // see above
						SessionID:  sessionIDFrom(nil, attrs),
						Metric:     m.GetName(),
						Value:      value,
						Attributes: attrs,
					})
				}
			}
		}
	}
	return out
}

func mergeAttributes(base, over map[string]string) map[string]string {
	if len(base) == 0 {
		return over
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func otlpAttributes(kvs []*commonv1.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = anyValueString(kv.GetValue())
	}
	return out
}

func anyValueString(v *commonv1.AnyValue) string {
	if v == nil {
		return ""
	}
	switch x := v.GetValue().(type) {
	case *commonv1.AnyValue_StringValue:
		return x.StringValue
	case *commonv1.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonv1.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'f', -1, 64)
	case *commonv1.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonv1.AnyValue_ArrayValue, *commonv1.AnyValue_KvlistValue:
		b, err := protojson.Marshal(v)
		if err != nil {
			return ""
		}
		return compactJSON(b)
	}
	return ""
}

func compactJSON(b []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return string(b)
	}
	return buf.String()
}
