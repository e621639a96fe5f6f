package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsPool    int64
	errorsEngine  int64
	warnsPool     int64
	warnsEngine   int64
	streamReads   int64
	eventsRouted  int64
	protocolDrops int64
	reconnects    int64
	restFallbacks int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "pool") {
		atomic.AddInt64(&warnsPool, 1)
	} else if strings.Contains(component, "engine") {
		atomic.AddInt64(&warnsEngine, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "pool") {
		atomic.AddInt64(&errorsPool, 1)
	} else if strings.Contains(component, "engine") {
		atomic.AddInt64(&errorsEngine, 1)
	}
}

func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("stream_ws", size)
}

func IncrementEventsRouted(n int) {
	atomic.AddInt64(&eventsRouted, int64(n))
}

func IncrementProtocolDrop() {
	atomic.AddInt64(&protocolDrops, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementRestFallback(channel string, size int) {
	atomic.AddInt64(&restFallbacks, 1)
	recordChannel(channel, size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_pool":    atomic.LoadInt64(&errorsPool),
		"errors_engine":  atomic.LoadInt64(&errorsEngine),
		"warns_pool":     atomic.LoadInt64(&warnsPool),
		"warns_engine":   atomic.LoadInt64(&warnsEngine),
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"events_routed":  atomic.LoadInt64(&eventsRouted),
		"protocol_drops": atomic.LoadInt64(&protocolDrops),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"rest_fallbacks": atomic.LoadInt64(&restFallbacks),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPool"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_pool"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_engine"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsPool"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_pool"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_engine"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsRouted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_routed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ProtocolDrops"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["protocol_drops"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RestFallbacks"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rest_fallbacks"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
