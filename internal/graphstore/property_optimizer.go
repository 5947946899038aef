package graphstore

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// OptimizerConfig configures the three independent switches spec.md
// §4.2 describes. Each backend owns one PropertyOptimizer instance and
// routes every entity write/read through it.
type OptimizerConfig struct {
	// SparseStorage drops keys whose value is null on write (I2 allows
	// this only when sparse storage is enabled).
	SparseStorage bool
	// CompressionThreshold: when a property mapping has more than this
	// many keys, it is serialized and gzip-compressed into a single
	// blob on write instead of stored key-by-key. 0 disables compression.
	CompressionThreshold int
	// IndexedKeys declares which property keys maintain an inverted
	// (value -> entity id set) index.
	IndexedKeys []string
}

// encodingTag identifies how a property blob was produced, stored as
// the first byte of the blob so DecodeProperties can dispatch.
type encodingTag byte

const (
	encodingRawJSON   encodingTag = 0x01
	encodingGzipJSON  encodingTag = 0x02
)

// PropertyOptimizer implements C2: sparse storage, compression, and a
// declared-key inverted index, independent of which backend holds the
// canonical copy of an entity.
type PropertyOptimizer struct {
	cfg OptimizerConfig

	mu      sync.RWMutex
	indexed map[string]bool               // key -> indexed?
	index   map[string]map[string]map[string]struct{} // key -> encoded value -> entity id set
}

// NewPropertyOptimizer builds an optimizer from cfg.
func NewPropertyOptimizer(cfg OptimizerConfig) *PropertyOptimizer {
	indexed := make(map[string]bool, len(cfg.IndexedKeys))
	for _, k := range cfg.IndexedKeys {
		indexed[k] = true
	}
	return &PropertyOptimizer{
		cfg:     cfg,
		indexed: indexed,
		index:   make(map[string]map[string]map[string]struct{}),
	}
}

// jsonProperties is the wire shape used for (de)serializing Properties,
// since graphmodel.PropertyValue is a tagged union that does not
// round-trip through encoding/json on its own.
type jsonProperties map[string]jsonValue

type jsonValue struct {
	Kind  graphmodel.ValueKind `json:"kind"`
	Scalar jsonScalar          `json:"scalar,omitempty"`
	List   []jsonScalar        `json:"list,omitempty"`
	Dict   map[string]jsonScalar `json:"dict,omitempty"`
}

type jsonScalar struct {
	Kind graphmodel.ScalarKind `json:"kind"`
	Str  string                `json:"str,omitempty"`
	Num  float64               `json:"num,omitempty"`
	Bool bool                  `json:"bool,omitempty"`
}

func toJSONScalar(s graphmodel.ScalarValue) jsonScalar {
	return jsonScalar{Kind: s.Kind, Str: s.Str, Num: s.Num, Bool: s.Bool}
}

func fromJSONScalar(j jsonScalar) graphmodel.ScalarValue {
	return graphmodel.ScalarValue{Kind: j.Kind, Str: j.Str, Num: j.Num, Bool: j.Bool}
}

func toJSONProperties(p graphmodel.Properties, dropNull bool) jsonProperties {
	out := make(jsonProperties, len(p))
	for k, v := range p {
		if dropNull && v.Kind == graphmodel.KindScalar && v.Scalar.IsNull() {
			continue
		}
		jv := jsonValue{Kind: v.Kind}
		switch v.Kind {
		case graphmodel.KindScalar:
			jv.Scalar = toJSONScalar(v.Scalar)
		case graphmodel.KindList:
			jv.List = make([]jsonScalar, len(v.List))
			for i, s := range v.List {
				jv.List[i] = toJSONScalar(s)
			}
		case graphmodel.KindDict:
			jv.Dict = make(map[string]jsonScalar, len(v.Dict))
			for dk, dv := range v.Dict {
				jv.Dict[dk] = toJSONScalar(dv)
			}
		}
		out[k] = jv
	}
	return out
}

func fromJSONProperties(j jsonProperties) graphmodel.Properties {
	out := make(graphmodel.Properties, len(j))
	for k, jv := range j {
		switch jv.Kind {
		case graphmodel.KindScalar:
			out[k] = graphmodel.Scalar(fromJSONScalar(jv.Scalar))
		case graphmodel.KindList:
			list := make([]graphmodel.ScalarValue, len(jv.List))
			for i, s := range jv.List {
				list[i] = fromJSONScalar(s)
			}
			out[k] = graphmodel.ListOf(list)
		case graphmodel.KindDict:
			dict := make(map[string]graphmodel.ScalarValue, len(jv.Dict))
			for dk, dv := range jv.Dict {
				dict[dk] = fromJSONScalar(dv)
			}
			out[k] = graphmodel.DictOf(dict)
		}
	}
	return out
}

// EncodeProperties applies sparse filtering and, if the property count
// exceeds CompressionThreshold, compresses the result into a single
// blob (header byte + gzip(json)). The returned blob's first byte is
// always the encodingTag so DecodeProperties can dispatch regardless of
// whether compression actually triggered.
func (o *PropertyOptimizer) EncodeProperties(props graphmodel.Properties) ([]byte, error) {
	filtered := toJSONProperties(props, o.cfg.SparseStorage)

	data, err := json.Marshal(filtered)
	if err != nil {
		return nil, fmt.Errorf("graphstore: marshal properties: %w", err)
	}

	if o.cfg.CompressionThreshold <= 0 || len(filtered) <= o.cfg.CompressionThreshold {
		return append([]byte{byte(encodingRawJSON)}, data...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(encodingGzipJSON))
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, fmt.Errorf("graphstore: compress properties: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("graphstore: compress properties: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeProperties materializes a blob produced by EncodeProperties.
func (o *PropertyOptimizer) DecodeProperties(blob []byte) (graphmodel.Properties, error) {
	if len(blob) == 0 {
		return graphmodel.Properties{}, nil
	}
	tag := encodingTag(blob[0])
	body := blob[1:]

	var data []byte
	switch tag {
	case encodingRawJSON:
		data = body
	case encodingGzipJSON:
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("graphstore: decompress properties: %w", err)
		}
		defer gr.Close()
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(gr); err != nil {
			return nil, fmt.Errorf("graphstore: decompress properties: %w", err)
		}
		data = buf.Bytes()
	default:
		return nil, fmt.Errorf("graphstore: unknown property encoding tag %d", tag)
	}

	var jp jsonProperties
	if err := json.Unmarshal(data, &jp); err != nil {
		return nil, fmt.Errorf("graphstore: unmarshal properties: %w", err)
	}
	return fromJSONProperties(jp), nil
}

// scalarIndexKey renders a scalar to a stable index key.
func scalarIndexKey(v graphmodel.ScalarValue) string {
	switch v.Kind {
	case graphmodel.ScalarString:
		return "s:" + v.Str
	case graphmodel.ScalarNumber:
		return fmt.Sprintf("n:%v", v.Num)
	case graphmodel.ScalarBool:
		return fmt.Sprintf("b:%v", v.Bool)
	default:
		return "null"
	}
}

// IndexEntity updates the inverted index for every indexed key present
// on props, associating entityID with each value.
func (o *PropertyOptimizer) IndexEntity(entityID string, props graphmodel.Properties) {
	if len(o.indexed) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.indexed {
		pv, ok := props[key]
		if !ok || pv.Kind != graphmodel.KindScalar {
			continue
		}
		ik := scalarIndexKey(pv.Scalar)
		byKey, ok := o.index[key]
		if !ok {
			byKey = make(map[string]map[string]struct{})
			o.index[key] = byKey
		}
		set, ok := byKey[ik]
		if !ok {
			set = make(map[string]struct{})
			byKey[ik] = set
		}
		set[entityID] = struct{}{}
	}
}

// UnindexEntity removes entityID from every indexed-key bucket it was
// recorded under for props (used before re-indexing an updated entity).
func (o *PropertyOptimizer) UnindexEntity(entityID string, props graphmodel.Properties) {
	if len(o.indexed) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.indexed {
		pv, ok := props[key]
		if !ok || pv.Kind != graphmodel.KindScalar {
			continue
		}
		ik := scalarIndexKey(pv.Scalar)
		if byKey, ok := o.index[key]; ok {
			if set, ok := byKey[ik]; ok {
				delete(set, entityID)
			}
		}
	}
}

// IsIndexed reports whether key has a maintained inverted index.
func (o *PropertyOptimizer) IsIndexed(key string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.indexed[key]
}

// Lookup returns the entity ids recorded against key/value, O(1 + hit).
func (o *PropertyOptimizer) Lookup(key string, value graphmodel.ScalarValue) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	byKey, ok := o.index[key]
	if !ok {
		return nil
	}
	set, ok := byKey[scalarIndexKey(value)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// AddIndex declares key as indexed going forward; callers must then
// scan and re-index existing entities (RebuildIndex) since adding an
// index after entities exist requires a full rebuild, per spec.md §4.2.
func (o *PropertyOptimizer) AddIndex(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.indexed[key] = true
	if _, ok := o.index[key]; !ok {
		o.index[key] = make(map[string]map[string]struct{})
	}
}

// RebuildIndex re-populates the index for key from a full entity scan.
func (o *PropertyOptimizer) RebuildIndex(key string, entities []*graphmodel.Entity) {
	o.mu.Lock()
	o.index[key] = make(map[string]map[string]struct{})
	o.mu.Unlock()

	for _, e := range entities {
		pv, ok := e.Properties[key]
		if !ok || pv.Kind != graphmodel.KindScalar {
			continue
		}
		o.IndexEntity(e.ID, e.Properties)
	}
}
