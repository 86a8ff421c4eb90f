package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/slashbinslashnoname/p2p-market-orders/models"
)

// Client wraps the product catalog API
type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewClient initializes a product catalog client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type soldRequest struct {
	OrderID     string    `json:"orderId"`
	BuyerID     string    `json:"buyerId"`
	SellerID    string    `json:"sellerId"`
	Price       int64     `json:"price"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// OrderCompleted marks the order's product as sold
func (c *Client) OrderCompleted(ctx context.Context, o models.Order) error {
	endpoint := fmt.Sprintf("%s/api/v1/products/%s/sold", c.baseURL, url.PathEscape(o.ProductID))
	body := soldRequest{
		OrderID:  o.ID,
		BuyerID:  o.BuyerID,
		SellerID: o.SellerID,
		Price:    o.ProductPrice,
	}
	if o.DeliveredAt != nil {
		body.DeliveredAt = *o.DeliveredAt
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sold request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("token %s", c.apiKey))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	case http.StatusConflict:
		// already marked sold, e.g. a retried hook
		return nil
	default:
		return errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
