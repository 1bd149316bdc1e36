package announce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"AssistVisionServer/logger"

	"github.com/stretchr/testify/assert"
)

func TestSendAliveMessage_RegistersOnce(t *testing.T) {
	assert.NoError(t, logger.InitDevelopment())

	received := make(chan RegisterRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		var req RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: true})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	assert.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	assert.NoError(t, err)
	RegServerCfg.SetAddress(u.Hostname(), port)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go SendAliveMessage("10.0.0.5", 8080, CpuNode, ctx, &wg)

	select {
	case req := <-received:
		assert.Equal(t, "10.0.0.5", req.IP)
		assert.Equal(t, 8080, req.Port)
		assert.Equal(t, CpuNode, req.NodeClass)
		assert.NotEmpty(t, req.Id)
	case <-time.After(3 * time.Second):
		t.Fatal("no registration received")
	}

	cancel()
	wg.Wait()
}
