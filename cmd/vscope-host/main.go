package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/vscope-host/internal/api"
	"github.com/taoyao-code/vscope-host/internal/client"
	cfgpkg "github.com/taoyao-code/vscope-host/internal/config"
	"github.com/taoyao-code/vscope-host/internal/device"
	"github.com/taoyao-code/vscope-host/internal/httpserver"
	"github.com/taoyao-code/vscope-host/internal/logging"
	"github.com/taoyao-code/vscope-host/internal/metrics"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
	"github.com/taoyao-code/vscope-host/internal/serial"
	"github.com/taoyao-code/vscope-host/internal/storage"
	"github.com/taoyao-code/vscope-host/internal/storage/snapshotrepo"
	"github.com/taoyao-code/vscope-host/internal/store"
)

func main() {
	var (
		configPath   = flag.String("config", "", "config file path (default: VSCOPE_CONFIG or configs/example.yaml)")
		portsFlag    = flag.String("ports", "", "comma-separated serial port paths; empty = enumerate all")
		writeExample = flag.String("write-example-config", "", "write example config to path and exit")
	)
	flag.Parse()

	if *writeExample != "" {
		if err := cfgpkg.WriteExample(*writeExample); err != nil {
			panic(err)
		}
		return
	}

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	metricsHandler := metrics.Handler(reg)
	appMetrics := metrics.NewAppMetrics(reg)

	// 4) 快照持久化
	var repo storage.SnapshotRepo
	if cfg.Storage.Path != "" {
		r, err := snapshotrepo.Open(cfg.Storage.Path)
		if err != nil {
			log.Fatal("open snapshot storage", zap.Error(err))
		}
		repo = r
	}

	// 5) 串口传输层与状态容器
	timeout := cfg.Serial.Timeout
	if ms := cfg.Polling.FrameTimeoutMs; ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	transport := serial.New(serial.OpenSerial, timeout, log.Named("serial"))
	st := store.New(log.Named("store"), appMetrics)

	sink := device.SnapshotSink(nil)
	if repo != nil {
		sink = func(ctx context.Context, path string, info vscope.DeviceInfo, header vscope.SnapshotHeader, samples []float32) {
			id, err := repo.Save(ctx, storage.SnapshotMeta{DevicePath: path, Info: info, Header: header}, samples)
			if err != nil {
				log.Error("persist snapshot", zap.String("port", path), zap.Error(err))
				return
			}
			appMetrics.SnapshotSaveTotal.Inc()
			log.Info("snapshot persisted", zap.String("port", path), zap.String("id", id))
		}
	}

	// 6) 设备会话
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	paths := portPaths(*portsFlag, log)
	for _, path := range paths {
		h, err := transport.Open(path, serial.PortConfig{
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			Parity:   cfg.Serial.Parity,
			StopBits: cfg.Serial.StopBits,
		})
		if err != nil {
			log.Warn("open port", zap.String("port", path), zap.Error(err))
			continue
		}
		cl := client.New(transport, h, client.Options{
			CrcRetryAttempts: cfg.Polling.CrcRetryAttempts,
			Logger:           log.Named("client"),
			Metrics:          appMetrics,
		})
		sess := device.NewSession(path, cl, device.Options{
			StatePollHz:             cfg.Polling.StatePollingHz,
			FramePollHz:             cfg.Polling.FramePollingHz,
			DisconnectAfterTimeouts: cfg.Polling.DisconnectAfterTimeouts,
			Logger:                  log.Named("device"),
			Metrics:                 appMetrics,
			OnChange:                st.OnChange,
			SnapshotSink:            sink,
			Reopen:                  func() error { return transport.Reopen(h) },
		})
		st.Add(sess)
		sess.Start(ctx)
	}
	if len(paths) == 0 {
		log.Warn("no serial ports found; serving API only")
	}

	// 7) HTTP 服务
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, func() bool {
		return len(st.View().Devices) > 0
	})
	api.RegisterRoutes(httpSrv.Router(), st, repo, log.Named("api"))

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("vscope host started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Int("devices", len(paths)))

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	st.StopAll()
	transport.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// portPaths 解析 -ports 参数；为空时枚举系统串口
func portPaths(flagValue string, log *zap.Logger) []string {
	if flagValue != "" {
		var out []string
		for _, p := range strings.Split(flagValue, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	ports, err := serial.ListPorts()
	if err != nil {
		log.Warn("enumerate serial ports", zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, p.Path)
	}
	return out
}
