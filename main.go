package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"AssistVisionServer/announce"
	"AssistVisionServer/logger"
	"AssistVisionServer/monitor"
	"AssistVisionServer/registry"
	"AssistVisionServer/speech"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type configStruct struct {
	HTTPPort          int     `yaml:"HTTPPort"`
	MonitorPort       int     `yaml:"MonitorPort"`
	IndoorModelPath   string  `yaml:"indoorModelPath"`
	OutdoorModelPath  string  `yaml:"outdoorModelPath"`
	IndoorNamesPath   string  `yaml:"indoorNamesPath"`
	Confidence        float32 `yaml:"confidence"`
	Iou               float32 `yaml:"iou"`
	UseGPU            bool    `yaml:"useGPU"`
	SessionIdleMs     int     `yaml:"sessionIdleMs"`
	SpeechBackend     string  `yaml:"speechBackend"`
	SpeechLanguage    string  `yaml:"speechLanguage"`
	OCRLanguage       string  `yaml:"ocrLanguage"`
	VocoderURL        string  `yaml:"vocoderURL"`
	VocoderSampleRate int     `yaml:"vocoderSampleRate"`
	UseRegServer      bool    `yaml:"UseRegServer"`
	RegServerHost     string  `yaml:"RegServerHost"`
	RegServerPort     int     `yaml:"RegServerPort"`
}

func (c *configStruct) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.MonitorPort == 0 {
		c.MonitorPort = 50053
	}
	if c.Confidence == 0 {
		c.Confidence = 0.4
	}
	if c.Iou == 0 {
		c.Iou = 0.5
	}
	if c.SessionIdleMs <= 0 {
		c.SessionIdleMs = 10000
	}
	if c.SpeechBackend == "" {
		c.SpeechBackend = "gtts"
	}
	if c.SpeechLanguage == "" {
		c.SpeechLanguage = "en"
	}
	if c.OCRLanguage == "" {
		c.OCRLanguage = "eng"
	}
}

// GetOutboundIP resolves the local egress IP by opening a routed UDP socket;
// no packet is actually sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

func main() {
	if err := logger.InitProduction(); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	fmt.Printf("CPU Cores: %d\n", CPUNum)

	configData, err := os.ReadFile("config.yaml")
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		return
	}
	config := configStruct{}
	if err := yaml.Unmarshal(configData, &config); err != nil {
		fmt.Println("Failed to parse config file:", err)
		return
	}
	config.applyDefaults()
	fmt.Println(" HTTP    Port:", config.HTTPPort)
	fmt.Println(" Monitor Port:", config.MonitorPort)
	fmt.Println(" Speech  Backend:", config.SpeechBackend)
	fmt.Println(strings.Repeat("#", 64))

	// Both detectors load once here; a missing or corrupt artifact is fatal,
	// there is no degraded mode.
	reg, err := registry.Load(registry.Config{
		IndoorModelPath:  config.IndoorModelPath,
		OutdoorModelPath: config.OutdoorModelPath,
		IndoorNamesPath:  config.IndoorNamesPath,
		Conf:             config.Confidence,
		Iou:              config.Iou,
		UseGPU:           config.UseGPU,
	})
	if err != nil {
		logger.Log().Fatal("model load failed", zap.Error(err))
	}
	defer reg.Close()

	synth, err := speech.New(speech.Config{
		Backend:    config.SpeechBackend,
		Language:   config.SpeechLanguage,
		VocoderURL: config.VocoderURL,
		SampleRate: config.VocoderSampleRate,
	})
	if err != nil {
		logger.Log().Fatal("speech backend setup failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.StartMon(config.MonitorPort, ctx)

	var wg sync.WaitGroup
	if config.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			logger.Log().Warn("failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			nodeClass := announce.CpuNode
			if config.UseGPU {
				nodeClass = announce.CudaNode
			}
			announce.RegServerCfg = announce.RegServerConfig{}
			announce.RegServerCfg.SetAddress(config.RegServerHost, config.RegServerPort)
			wg.Add(1)
			go announce.SendAliveMessage(ip, config.HTTPPort, nodeClass, ctx, &wg)
		}
	}

	sv := newServer(reg, synth, config.OCRLanguage, time.Duration(config.SessionIdleMs)*time.Millisecond)
	r := sv.routes()
	logger.Log().Info("assistive vision server listening", zap.Int("port", config.HTTPPort))
	if err := r.Run(fmt.Sprintf(":%d", config.HTTPPort)); err != nil {
		logger.Log().Error("server stopped", zap.Error(err))
	}
	cancel()
	wg.Wait()
}
