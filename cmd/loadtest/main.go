package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   []byte
	Err    error
}

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

type client struct {
	http  *http.Client
	base  string
	admin string
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	nUsers := flag.Int("users", 100, "distinct users checking out")
	every := flag.Int("priority-every", 5, "every n-th user is a senior citizen (0 = none)")
	concurrency := flag.Int("c", 25, "max concurrency")
	stock := flag.Int("stock", 150, "units received before the test")
	flag.Parse()

	c := &client{http: &http.Client{Timeout: 10 * time.Second}, base: *baseURL, admin: *adminToken}
	run := time.Now().UnixNano()

	medID, err := c.seedMedicine(*stock)
	if err != nil {
		fail("seed medicine", err)
	}
	fmt.Printf("medicine %d stocked with %d units\n", medID, *stock)

	userIDs := make([]uint, *nUsers)
	priority := map[uint]bool{}
	for i := range userIDs {
		prio := *every > 0 && i%*every == 0
		id, err := c.registerUser(fmt.Sprintf("load-%d-%d@example.com", run, i), prio)
		if err != nil {
			fail("register user", err)
		}
		userIDs[i] = id
		priority[id] = prio
	}

	// 1) 并发结算：队列号必须连续且优先级用户在前
	fmt.Printf("start checkout test: users=%d concurrency=%d\n", *nUsers, *concurrency)
	results := parallel(*nUsers, *concurrency, func(i int) Result {
		return c.checkoutOne(userIDs[i], medID)
	})
	printSummary("checkout", results)

	ops, err := c.operations()
	if err != nil {
		fail("list operations", err)
	}
	checkQueue(ops, userPriority(ops, priority))

	// 2) 并发发货：只有队首能成功，其余 409 后重试，直到队列清空
	fmt.Println("\nstart ship test: all queued orders race for the head")
	queued := make([]uint, 0, len(ops))
	for _, o := range ops {
		if o.QueueNumber != nil {
			queued = append(queued, o.ID)
		}
	}
	shipResults := parallel(len(queued), *concurrency, func(i int) Result {
		return c.shipUntilHead(queued[i])
	})
	printSummary("ship", shipResults)

	avail, err := c.stock(medID)
	if err != nil {
		fail("read stock", err)
	}
	shipped := 0
	for _, r := range shipResults {
		if r.Status == http.StatusOK {
			shipped++
		}
	}
	fmt.Printf("shipped=%d final stock=%d expected=%d\n", shipped, avail, *stock-shipped)
	if avail != *stock-shipped || avail < 0 {
		fmt.Println("FAIL: stock does not match dispensed units")
		os.Exit(1)
	}
	fmt.Println("OK")
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func parallel(n, concurrency int, fn func(i int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}
	wg.Wait()
	return results
}

type operation struct {
	ID          uint   `json:"id"`
	UserID      uint   `json:"user_id"`
	Status      string `json:"status"`
	QueueNumber *int   `json:"queue_number"`
}

func userPriority(ops []operation, byUser map[uint]bool) map[uint]bool {
	out := make(map[uint]bool, len(ops))
	for _, o := range ops {
		out[o.ID] = byUser[o.UserID]
	}
	return out
}

// checkQueue 校验队列号恰好为 1..N，且优先级订单全部排在前面。
func checkQueue(ops []operation, priority map[uint]bool) {
	var nums []int
	maxPrio, minRegular := 0, int(^uint(0)>>1)
	for _, o := range ops {
		if o.QueueNumber == nil {
			continue
		}
		n := *o.QueueNumber
		nums = append(nums, n)
		if priority[o.ID] {
			maxPrio = max(maxPrio, n)
		} else {
			minRegular = min(minRegular, n)
		}
	}
	sort.Ints(nums)
	for i, n := range nums {
		if n != i+1 {
			fmt.Printf("FAIL: queue has a gap or duplicate at %d (got %d)\n", i+1, n)
			os.Exit(1)
		}
	}
	if maxPrio > minRegular {
		fmt.Printf("FAIL: priority order at %d behind regular order at %d\n", maxPrio, minRegular)
		os.Exit(1)
	}
	fmt.Printf("queue ok: %d orders numbered 1..%d, priority up to %d\n", len(nums), len(nums), maxPrio)
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func (c *client) do(method, path string, body any, headers map[string]string) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, c.base+path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: b}
}

func (c *client) adminDo(method, path string, body any) Result {
	return c.do(method, path, body, map[string]string{"X-Admin-Token": c.admin})
}

// decode 仅接受 200 且 code=0 的响应。
func decode(res Result, out any) error {
	if res.Err != nil {
		return res.Err
	}
	var env envelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		return fmt.Errorf("status=%d body=%s", res.Status, string(res.Body))
	}
	if res.Status != http.StatusOK {
		return fmt.Errorf("status=%d msg=%s reason=%s", res.Status, env.Msg, env.Reason)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *client) seedMedicine(qty int) (uint, error) {
	var m struct {
		ID uint `json:"id"`
	}
	err := decode(c.adminDo(http.MethodPost, "/api/medicines", map[string]any{
		"name": "Load Test Paracetamol", "prescription_type": "non_prescription", "order_limit": "3_days",
	}), &m)
	if err != nil {
		return 0, err
	}
	today := time.Now().UTC()
	err = decode(c.adminDo(http.MethodPost, fmt.Sprintf("/api/medicines/%d/batches", m.ID), map[string]any{
		"date_received": today.Format(time.DateOnly),
		"expiry_date":   today.AddDate(1, 0, 0).Format(time.DateOnly),
		"quantity":      qty,
	}), nil)
	return m.ID, err
}

func (c *client) registerUser(email string, priority bool) (uint, error) {
	body := map[string]any{"email": email}
	if priority {
		body["senior_citizen_id"] = "SC-" + email
	}
	var out struct {
		User struct {
			ID uint `json:"id"`
		} `json:"user"`
	}
	if err := decode(c.adminDo(http.MethodPost, "/api/users", body), &out); err != nil {
		return 0, err
	}
	return out.User.ID, nil
}

// checkoutOne 下单一件并结算。
func (c *client) checkoutOne(userID, medID uint) Result {
	hdr := map[string]string{"X-User-ID": strconv.FormatUint(uint64(userID), 10)}
	var o struct {
		ID uint `json:"id"`
	}
	if err := decode(c.do(http.MethodPost, "/api/orders", nil, hdr), &o); err != nil {
		return Result{Err: err}
	}
	res := c.do(http.MethodPost, fmt.Sprintf("/api/orders/%d/items", o.ID), map[string]any{"medicine_id": medID, "quantity": 1}, hdr)
	if err := decode(res, nil); err != nil {
		return res
	}
	return c.do(http.MethodPost, fmt.Sprintf("/api/orders/%d/checkout", o.ID), nil, hdr)
}

// shipUntilHead 队首被其他订单占用时重试，直到自己发货成功。
func (c *client) shipUntilHead(orderID uint) Result {
	for {
		res := c.adminDo(http.MethodPost, fmt.Sprintf("/api/orders/%d/ship", orderID), map[string]any{"driver": "loadtest"})
		if res.Err != nil || res.Status != http.StatusConflict {
			return res
		}
		var env envelope
		_ = json.Unmarshal(res.Body, &env)
		if env.Reason != "out_of_order" {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *client) operations() ([]operation, error) {
	var ops []operation
	err := decode(c.adminDo(http.MethodGet, "/api/operations", nil), &ops)
	return ops, err
}

func (c *client) stock(medID uint) (int, error) {
	var out struct {
		Available int `json:"available"`
	}
	err := decode(c.do(http.MethodGet, fmt.Sprintf("/api/medicines/%d/stock", medID), nil, nil), &out)
	return out.Available, err
}
