package calculator

import (
	"callbridge/client"
	"callbridge/promise"
)

const (
	calculatorContract   = "Calculator"
	simultaneousContract = "Simultaneous"
)

// Client implements both contracts by calling a remote Service. Its methods return the
// transport and remote errors the contracts have no room for.
type Client struct {
	ic *client.Interceptor
}

func NewClient(ic *client.Interceptor) *Client {
	return &Client{ic: ic}
}

func (c *Client) Add(a, b int) (int, error) {
	return client.Call[int](c.ic, calculatorContract, "Add", a, b)
}

func (c *Client) Divide(a, b float64) (float64, error) {
	return client.Call[float64](c.ic, calculatorContract, "Divide", a, b)
}

func (c *Client) Fibonacci(n int, onValue func(i int, v int64) bool) (int, error) {
	return client.Call[int](c.ic, calculatorContract, "Fibonacci", n, onValue)
}

func (c *Client) Square(n int) *promise.Future[int] {
	return client.Go[int](c.ic, calculatorContract, "Square", n)
}

func (c *Client) Echo(text string) (string, error) {
	return client.Call[string](c.ic, calculatorContract, "Echo", text)
}

func (c *Client) GetID() (int, error) {
	return client.Call[int](c.ic, simultaneousContract, "GetID")
}

func (c *Client) LoadIt(word string) *promise.Future[struct{}] {
	return client.GoDo(c.ic, simultaneousContract, "LoadIt", word)
}

func (c *Client) RemoveIt() (string, error) {
	return client.Call[string](c.ic, simultaneousContract, "RemoveIt")
}

// Close tears the connection down locally; nothing is sent.
func (c *Client) Close() error {
	return client.Do(c.ic, client.CloserContract, client.CloseMethod)
}
