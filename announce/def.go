package announce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"AssistVisionServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Node capability classes reported to the fleet registry so it can route
// heavier workloads to GPU kiosks.
const (
	CpuNode        = 0x2002
	CudaNode       = 0x2003
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	NodeClass int    `json:"nodeClass"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

var RegServerCfg RegServerConfig

// SendAliveMessage heartbeats this vision node to the fleet registry every
// TimeOutSeconds until the context is cancelled. Registration failures are
// logged and retried on the next tick, never fatal.
func SendAliveMessage(ip string, port int, nodeClass int, ctx context.Context, wg *sync.WaitGroup) {
	addr := fmt.Sprintf("%s:%d", RegServerCfg.Addr, RegServerCfg.Port)
	defer wg.Done()
	ticker := time.NewTicker(TimeOutSeconds * time.Second)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second)
	id := uuid.NewString()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error(fmt.Sprintf("SendAliveMessage panic recovered: %v", r))
			}
		}()
		var respBody RegisterResponse
		url := fmt.Sprintf("http://%s/api/register", addr)
		reqBody := RegisterRequest{
			Id:        id,
			IP:        ip,
			Port:      port,
			NodeClass: nodeClass,
			TimeStamp: time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			logger.Log().Error(fmt.Sprintf("request error: %v", err))
			return
		}
		if resp.IsError() {
			logger.Log().Error(fmt.Sprintf("registry returned error: %s, body: %s", resp.Status(), resp.String()))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
