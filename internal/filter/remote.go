package filter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"crypto-screener/internal/model"
)

// RemoteExecutor 把谓词评估委托给外部执行服务
// 每次评估按符号 POST 一次快照；远程失败降级为 "不命中" 并以 error
// 上报，由引擎计入错误率，不中断其他 trader 的周期
type RemoteExecutor struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// NewRemoteExecutor 创建远程执行客户端
func NewRemoteExecutor(timeout time.Duration) *RemoteExecutor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RemoteExecutor{
		client:  &fasthttp.Client{},
		timeout: timeout,
	}
}

// Predicate 为指定 trader 构造远程谓词
func (r *RemoteExecutor) Predicate(traderID, endpoint string) Predicate {
	return &remotePredicate{exec: r, traderID: traderID, endpoint: endpoint}
}

type remotePredicate struct {
	exec     *RemoteExecutor
	traderID string
	endpoint string
}

// evalRequest 是远程执行服务的请求体
type evalRequest struct {
	TraderID string          `json:"traderId"`
	Snapshot *model.Snapshot `json:"snapshot"`
}

func (p *remotePredicate) Evaluate(snap *model.Snapshot) (bool, error) {
	body, err := json.Marshal(evalRequest{TraderID: p.traderID, Snapshot: snap})
	if err != nil {
		return false, fmt.Errorf("marshal eval request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := p.exec.client.DoTimeout(req, resp, p.exec.timeout); err != nil {
		return false, fmt.Errorf("remote eval %s: %w", p.traderID, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return false, fmt.Errorf("remote eval %s: status %d", p.traderID, resp.StatusCode())
	}

	result := gjson.GetBytes(resp.Body(), "match")
	if !result.Exists() {
		return false, fmt.Errorf("remote eval %s: malformed response", p.traderID)
	}
	return result.Bool(), nil
}
