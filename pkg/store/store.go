package store

// Backend is the minimal durable KV contract the storage core sits on.
// Buckets group rows by entity family; keys are entity-formatted strings.
// A Get miss is (nil, false, nil), never an error: absence is a normal
// outcome, backend faults are not.
type Backend interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) (value []byte, ok bool, err error)
	Delete(bucket, key string) error
	Scan(bucket string, fn func(key string, value []byte) error) error
	Close() error
}

// Bucket names, one per entity family.
const (
	BucketClusters     = "clusters"
	BucketTopics       = "topics"
	BucketTopitions    = "topitions"
	BucketWatermarks   = "watermarks"
	BucketRecords      = "records"
	BucketProducers    = "producers"
	BucketTxns         = "txns"
	BucketGroups       = "groups"
	BucketGroupOffsets = "group_offsets"
)
