package sink

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdflow/mdflow/internal/event"
)

// Layout selects the directory/file naming scheme under the root.
type Layout string

const (
	LayoutFlat         Layout = "flat"
	LayoutBySymbol     Layout = "bySymbol"
	LayoutByDate       Layout = "byDate"
	LayoutByType       Layout = "byType"
	LayoutBySource     Layout = "bySource"
	LayoutByAssetClass Layout = "byAssetClass"
	LayoutHierarchical Layout = "hierarchical"
	LayoutCanonical    Layout = "canonical"
)

// Codec selects the Parquet compression codec. The file extension
// reflects the choice.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecSnappy Codec = "snappy"
	CodecGzip   Codec = "gzip"
	CodecZstd   Codec = "zstd"
	CodecLz4    Codec = "lz4"
	CodecBrotli Codec = "brotli"
)

// Ext returns the file extension for the codec.
func (c Codec) Ext() string {
	switch c {
	case CodecSnappy:
		return ".snappy.parquet"
	case CodecGzip:
		return ".gz.parquet"
	case CodecZstd:
		return ".zst.parquet"
	case CodecLz4:
		return ".lz4.parquet"
	case CodecBrotli:
		return ".br.parquet"
	default:
		return ".parquet"
	}
}

// DatePartition selects the time granularity of the partition key.
type DatePartition string

const (
	PartitionNone    DatePartition = "none"
	PartitionHourly  DatePartition = "hourly"
	PartitionDaily   DatePartition = "daily"
	PartitionMonthly DatePartition = "monthly"
)

// bucket formats ts at the partition's granularity.
func (p DatePartition) bucket(ts time.Time) string {
	ts = ts.UTC()
	switch p {
	case PartitionHourly:
		return ts.Format("2006-01-02T15")
	case PartitionMonthly:
		return ts.Format("2006-01")
	case PartitionNone:
		return "all"
	default:
		return ts.Format("2006-01-02")
	}
}

// AssetClassifier maps a symbol to an asset-class directory name for
// the byAssetClass layout.
type AssetClassifier func(symbol string) string

// DefaultAssetClassifier treats slash-separated pairs as crypto and
// everything else as equity.
func DefaultAssetClassifier(symbol string) string {
	if strings.Contains(symbol, "/") {
		return "crypto"
	}
	return "equity"
}

// partitionKey identifies one buffer and one output file. Source is
// part of the key so per-source streams never interleave in a file.
type partitionKey struct {
	Symbol string
	Type   event.Type
	Source string
	Bucket string
}

// pathname builds the file path for a partition. Symbols are
// sanitized the same way claim files are, so exotic tickers stay
// filesystem-safe.
func pathname(root string, layout Layout, codec Codec, classify AssetClassifier, key partitionKey, ts time.Time) string {
	sym := sanitize(key.Symbol)
	typ := string(key.Type)
	ext := codec.Ext()

	switch layout {
	case LayoutBySymbol:
		return filepath.Join(root, sym, typ+"_"+key.Bucket+ext)
	case LayoutByDate:
		return filepath.Join(root, key.Bucket, sym+"_"+typ+ext)
	case LayoutByType:
		return filepath.Join(root, typ, sym+"_"+key.Bucket+ext)
	case LayoutBySource:
		return filepath.Join(root, key.Source, sym+"_"+typ+"_"+key.Bucket+ext)
	case LayoutByAssetClass:
		if classify == nil {
			classify = DefaultAssetClassifier
		}
		return filepath.Join(root, classify(key.Symbol), sym, typ+"_"+key.Bucket+ext)
	case LayoutHierarchical:
		t := ts.UTC()
		return filepath.Join(root, sym,
			fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())),
			typ+"_"+key.Bucket+ext)
	case LayoutCanonical:
		t := ts.UTC()
		return filepath.Join(root,
			fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), fmt.Sprintf("%02d", t.Day()),
			key.Source, sym, typ+ext)
	default: // LayoutFlat
		return filepath.Join(root, sym+"_"+typ+"_"+key.Bucket+ext)
	}
}

func sanitize(symbol string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, symbol)
}
