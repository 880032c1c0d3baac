package picasso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"go.uber.org/zap"
)

type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint   `json:"id"`
}

type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint           `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

var jsonRPCVersion = "2.0"

// DecodedEvent is an event as served by the archive gateway: already decoded
// against the runtime metadata, args as a JSON object.
type DecodedEvent struct {
	EventIndex    uint64          `json:"eventIndex"`
	Pallet        string          `json:"pallet"`
	EventName     string          `json:"eventName"`
	TransactionId string          `json:"transactionId"`
	Args          json.RawMessage `json:"args"`
}

type DecodedBlock struct {
	Height     uint64          `json:"height"`
	Hash       string          `json:"hash"`
	ParentHash string          `json:"parentHash"`
	// Timestamp is unix milliseconds, as the chain's timestamp pallet reports it.
	Timestamp uint64          `json:"timestamp"`
	Events    []*DecodedEvent `json:"events"`
}

func (b *DecodedBlock) BlockTime() time.Time {
	return time.UnixMilli(int64(b.Timestamp)).UTC()
}

type PicassoClientConfig struct {
	BaseUrl        string
	FetchBatchSize int
}

func ConvertGlobalConfigToPicassoConfig(cfg *config.ChainRpcConfig) *PicassoClientConfig {
	return &PicassoClientConfig{
		BaseUrl:        cfg.BaseUrl,
		FetchBatchSize: cfg.FetchBatchSize,
	}
}

type Client struct {
	Logger       *zap.Logger
	httpClient   *http.Client
	clientConfig *PicassoClientConfig
}

func NewClient(cfg *PicassoClientConfig, l *zap.Logger) *Client {
	client := &http.Client{
		Timeout: time.Second * 10,
	}

	l.Sugar().Infow("Creating new Picasso client", zap.Any("config", cfg))

	return &Client{
		httpClient:   client,
		Logger:       l,
		clientConfig: cfg,
	}
}

func (c *Client) SetHttpClient(client *http.Client) {
	c.httpClient = client
}

func GetFinalizedHeightRequest(id uint) *RPCRequest {
	return &RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  "archive_getFinalizedHeight",
		ID:      id,
	}
}

func GetBlockByHeightRequest(height uint64, id uint) *RPCRequest {
	return &RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  "archive_getBlock",
		Params:  []interface{}{height},
		ID:      id,
	}
}

// GetFinalizedHeight returns the height of the latest finalized block the
// gateway has. Only finalized blocks are served, so everything at or below
// this height is immutable.
func (c *Client) GetFinalizedHeight(ctx context.Context) (uint64, error) {
	res, err := c.Call(ctx, GetFinalizedHeightRequest(1))
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(string(res.Result), 10, 64)
	if err != nil {
		c.Logger.Sugar().Errorw("failed to parse finalized height",
			zap.Error(err),
			zap.String("rawResponse", string(res.Result)),
		)
		return 0, err
	}
	return height, nil
}

func (c *Client) GetBlockByHeight(ctx context.Context, height uint64) (*DecodedBlock, error) {
	res, err := c.Call(ctx, GetBlockByHeightRequest(height, 1))
	if err != nil {
		return nil, err
	}

	block, err := parseDecodedBlock(res.Result)
	if err != nil {
		c.Logger.Sugar().Errorw("failed to parse block",
			zap.Error(err),
			zap.Uint64("height", height),
			zap.Any("rawResponse", res.Result),
		)
		return nil, err
	}
	return block, nil
}

// GetBlocksByHeights fetches the given heights in chunked batch calls and
// returns the blocks in the requested order.
func (c *Client) GetBlocksByHeights(ctx context.Context, heights []uint64) ([]*DecodedBlock, error) {
	if len(heights) == 0 {
		return make([]*DecodedBlock, 0), nil
	}

	requests := make([]*RPCRequest, 0, len(heights))
	for i, height := range heights {
		requests = append(requests, GetBlockByHeightRequest(height, uint(i+1)))
	}

	responses, err := c.chunkedBatchCall(ctx, requests)
	if err != nil {
		return nil, err
	}
	if len(responses) != len(heights) {
		return nil, fmt.Errorf("Failed to fetch all blocks. Expected %d, got %d", len(heights), len(responses))
	}

	blocks := make([]*DecodedBlock, 0, len(responses))
	for _, res := range responses {
		block, err := parseDecodedBlock(res.Result)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func parseDecodedBlock(raw json.RawMessage) (*DecodedBlock, error) {
	block := &DecodedBlock{}
	if err := json.Unmarshal(raw, block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %s", err)
	}
	if block.Hash == "" {
		return nil, fmt.Errorf("block response missing hash")
	}
	return block, nil
}

func (c *Client) chunkedBatchCall(ctx context.Context, requests []*RPCRequest) ([]*RPCResponse, error) {
	batchSize := c.clientConfig.FetchBatchSize
	if batchSize <= 0 {
		batchSize = len(requests)
	}

	batches := [][]*RPCRequest{}
	currentIndex := 0
	for {
		endIndex := currentIndex + batchSize
		if endIndex >= len(requests) {
			endIndex = len(requests)
		}
		batches = append(batches, requests[currentIndex:endIndex])
		currentIndex = currentIndex + batchSize
		if currentIndex >= len(requests) {
			break
		}
	}
	c.Logger.Sugar().Debugw(fmt.Sprintf("Batching '%v' requests into '%v' batches", len(requests), len(batches)))

	resultsChan := make(chan []*RPCResponse, len(batches))
	errChan := make(chan error, len(batches))
	wg := sync.WaitGroup{}
	for i, batch := range batches {
		wg.Add(1)

		go func(b []*RPCRequest) {
			defer wg.Done()

			c.Logger.Sugar().Debugw(fmt.Sprintf("[batch %d] Fetching batch with '%d' requests", i, len(b)))
			res, err := c.batchCall(ctx, b)
			if err != nil {
				c.Logger.Sugar().Errorw("failed to batch call", zap.Error(err))
				errChan <- err
				return
			}
			resultsChan <- res
		}(batch)
	}
	wg.Wait()
	close(resultsChan)
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}

	results := []*RPCResponse{}
	for res := range resultsChan {
		results = append(results, res...)
	}

	// ensure responses are sorted by ID
	slices.SortFunc(results, func(i, j *RPCResponse) int {
		return int(*i.ID - *j.ID)
	})

	return results, nil
}

func (c *Client) batchCall(ctx context.Context, requests []*RPCRequest) ([]*RPCResponse, error) {
	if len(requests) == 0 {
		return make([]*RPCResponse, 0), nil
	}
	requestBody, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("Failed to marshal requests: %s", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*20)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.clientConfig.BaseUrl, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("Failed to make request: %s", err)
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("Request failed %v", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("Failed to read body %v", err)
	}

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received http error code %+v", response.StatusCode)
	}

	destination := []*RPCResponse{}
	if err := json.Unmarshal(responseBody, &destination); err != nil {
		c.Logger.Sugar().Errorw("failed to unmarshal batch call response",
			zap.Error(err),
			zap.String("response", string(responseBody)),
		)
		return nil, fmt.Errorf("failed to unmarshal response: %s", err)
	}

	for _, res := range destination {
		if res.Error != nil {
			return nil, fmt.Errorf("received error response: %+v", res.Error)
		}
	}

	return destination, nil
}

func (c *Client) call(ctx context.Context, rpcRequest *RPCRequest) (*RPCResponse, error) {
	requestBody, err := json.Marshal(rpcRequest)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.clientConfig.BaseUrl, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("Failed to make request %s", err)
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("Request failed %s", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("Failed to read body %s", err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received http error code %+v", response.StatusCode)
	}

	destination := &RPCResponse{}
	if err := json.Unmarshal(responseBody, destination); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %s", err)
	}

	if destination.Error != nil {
		return nil, fmt.Errorf("received error response: %+v", destination.Error)
	}

	return destination, nil
}

func (c *Client) Call(ctx context.Context, rpcRequest *RPCRequest) (*RPCResponse, error) {
	backoffs := []int{1, 3, 5, 10, 20, 30, 60}

	for i, backoff := range backoffs {
		res, err := c.call(ctx, rpcRequest)
		if err == nil {
			if i > 0 {
				c.Logger.Sugar().Infow("Successfully called after backoff",
					zap.Int("backoffSecs", backoff),
					zap.Any("rpcRequest", rpcRequest),
				)
			}
			return res, nil
		}
		c.Logger.Sugar().Errorw("Failed to call",
			zap.Error(err),
			zap.Int("backoffSecs", backoff),
			zap.Any("rpcRequest", rpcRequest),
		)
		time.Sleep(time.Second * time.Duration(backoff))
	}
	c.Logger.Sugar().Errorw("Exceeded retries for Call", zap.Any("rpcRequest", rpcRequest))
	return nil, fmt.Errorf("Exceeded retries for Call")
}
