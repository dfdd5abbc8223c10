package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	qpb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dshills/openiti-search/pkg/types"
)

var (
	// ErrEmptyCollection is returned when a client is built without a collection name.
	ErrEmptyCollection = errors.New("vector collection name is required")
	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Options configures a Client.
type Options struct {
	Addr       string // gRPC host:port
	Collection string
	Timeout    time.Duration
}

// Client reads and writes chunk vectors in one Qdrant collection.
type Client struct {
	conn        *grpc.ClientConn
	points      qpb.PointsClient
	collections qpb.CollectionsClient
	collection  string
	timeout     time.Duration
	logger      *zap.Logger
}

// Dial opens a gRPC connection to Qdrant. The connection is established
// lazily on the first call.
func Dial(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.Collection == "" {
		return nil, ErrEmptyCollection
	}
	conn, err := grpc.NewClient(opts.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant connection: %w", err)
	}
	c := NewWithClients(qpb.NewPointsClient(conn), qpb.NewCollectionsClient(conn), opts.Collection, opts.Timeout, logger)
	c.conn = conn
	return c, nil
}

// NewWithClients builds a Client over existing gRPC service clients.
func NewWithClients(points qpb.PointsClient, collections qpb.CollectionsClient, collection string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		points:      points,
		collections: collections,
		collection:  collection,
		timeout:     timeout,
		logger:      logger,
	}
}

// Collection returns the collection name the client targets.
func (c *Client) Collection() string {
	return c.collection
}

// Close releases the gRPC connection, if the client owns one.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Ping lists collections to check the service answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.collections.List(ctx, &qpb.ListCollectionsRequest{})
	return types.E(types.KindVector, "vector.ping", err)
}

// EnsureCollection creates the collection with cosine distance when it is
// missing. An existing collection is left untouched.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return types.E(types.KindVector, "vector.ensure_collection", fmt.Errorf("%w: %d", ErrDimensionMismatch, dim))
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.collections.CollectionExists(ctx, &qpb.CollectionExistsRequest{CollectionName: c.collection})
	if err != nil {
		return types.E(types.KindVector, "vector.ensure_collection", err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}

	c.logger.Info("creating vector collection", zap.String("collection", c.collection), zap.Int("dimension", dim))
	_, err = c.collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{
					Size:     uint64(dim),
					Distance: qpb.Distance_Cosine,
				},
			},
		},
	})
	return types.E(types.KindVector, "vector.ensure_collection", err)
}

// Upsert writes points and waits for the write to be applied.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qpb.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qpb.PointStruct{
			Id: &qpb.PointId{PointIdOptions: &qpb.PointId_Num{Num: PointID(p.ChunkID)}},
			Vectors: &qpb.Vectors{
				VectorsOptions: &qpb.Vectors_Vector{
					Vector: &qpb.Vector{Vector: &qpb.Vector_Dense{Dense: &qpb.DenseVector{Data: p.Vector}}},
				},
			},
			Payload: p.Payload.values(),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	wait := true
	_, err := c.points.Upsert(ctx, &qpb.UpsertPoints{
		CollectionName: c.collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return types.E(types.KindVector, "vector.upsert", err)
	}
	c.logger.Debug("upserted vectors", zap.Int("points", len(points)))
	return nil
}

// Delete removes the points of the given chunk ids and waits for the
// write to be applied. Unknown ids are ignored by the server.
func (c *Client) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qpb.PointId, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, &qpb.PointId{PointIdOptions: &qpb.PointId_Num{Num: PointID(id)}})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	wait := true
	_, err := c.points.Delete(ctx, &qpb.DeletePoints{
		CollectionName: c.collection,
		Wait:           &wait,
		Points: &qpb.PointsSelector{
			PointsSelectorOneOf: &qpb.PointsSelector_Points{Points: &qpb.PointsIdsList{Ids: ids}},
		},
	})
	if err != nil {
		return types.E(types.KindVector, "vector.delete", err)
	}
	c.logger.Debug("deleted vectors", zap.Int("points", len(chunkIDs)))
	return nil
}

// Hit is one vector match. Payload holds the stored payload fields.
type Hit struct {
	ChunkID string
	Score   float64
	Payload types.Source
}

// Search returns the nearest points satisfying f. Points without a chunk
// id in their payload are dropped.
func (c *Client) Search(ctx context.Context, vector []float32, f types.Filters, limit, offset int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &qpb.SearchPoints{
		CollectionName: c.collection,
		Vector:         vector,
		Filter:         BuildFilter(f),
		Limit:          uint64(limit),
		WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
	}
	if offset > 0 {
		off := uint64(offset)
		req.Offset = &off
	}

	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, types.E(types.KindVector, "vector.search", err)
	}

	hits := make([]Hit, 0, len(resp.GetResult()))
	for _, sp := range resp.GetResult() {
		payload := sourceFromValues(sp.GetPayload())
		id, _ := payload["chunk_id"].(string)
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: float64(sp.GetScore()), Payload: payload})
	}
	return hits, nil
}

// Count returns the exact number of points satisfying f.
func (c *Client) Count(ctx context.Context, f types.Filters) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	exact := true
	resp, err := c.points.Count(ctx, &qpb.CountPoints{
		CollectionName: c.collection,
		Filter:         BuildFilter(f),
		Exact:          &exact,
	})
	if err != nil {
		return 0, types.E(types.KindVector, "vector.count", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// PointID derives a stable point id from a chunk id: the first eight bytes
// of its SHA-256 digest read as a big-endian unsigned integer.
func PointID(chunkID string) uint64 {
	sum := sha256.Sum256([]byte(chunkID))
	return binary.BigEndian.Uint64(sum[:8])
}
