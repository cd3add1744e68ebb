package aws

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/go-logr/logr"
)

// Client exposes the one piece of EC2 instance metadata this kernel
// build needs to locate itself: the availability zone, used by
// archhost.DiscoverNUMAHint as a NUMA-node-count hint.
type Client interface {
	// GetAvailabilityZone returns the EC2 availability zone of the
	// running instance, e.g. "us-east-1a".
	GetAvailabilityZone(ctx context.Context) (string, error)
}

var _ Client = &client{}

type ClientOption func(c *client) error

func WithLogger(logger logr.Logger) ClientOption {
	return func(c *client) error {
		c.logger = logger
		return nil
	}
}

func WithAutoDiscovery(ctx context.Context) ClientOption {
	return func(c *client) error {
		imdsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("error loading default AWS config for IMDS client: %w", err)
		}
		c.imdsClient = imds.NewFromConfig(imdsCfg)
		return nil
	}
}

// NewClient returns a new AWS client.
// The returned client is not safe to use in concurrent go routines.
func NewClient(opts ...ClientOption) (Client, error) {
	c := &client{}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

type client struct {
	logger logr.Logger

	imdsClient *imds.Client

	az string
}

func (c *client) GetAvailabilityZone(ctx context.Context) (string, error) {
	if c.az != "" {
		return c.az, nil
	}

	if c.imdsClient == nil {
		return "", fmt.Errorf("cannot auto-discover availability zone: " +
			"initialize Client with WithAutoDiscovery")
	}

	resp, err := c.imdsClient.GetMetadata(ctx, &imds.GetMetadataInput{
		Path: "placement/availability-zone",
	})
	if err != nil {
		return "", fmt.Errorf("cannot auto-discover availability zone: %w", err)
	}
	defer func() {
		if cerr := resp.Content.Close(); cerr != nil {
			c.logger.Error(cerr, "cannot close metadata content")
		}
	}()

	content, err := io.ReadAll(resp.Content)
	if err != nil {
		return "", fmt.Errorf("cannot read availability zone metadata: %w", err)
	}
	c.az = string(content)

	return c.az, nil
}
