// Package embed wraps a local ONNX sentence-encoder model behind the
// encode(texts) -> unit-norm vectors contract, with an LRU cache in front
// of inference and batching bounded by BatchSize.
package embed

import (
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/daulet/tokenizers"
	lru "github.com/hashicorp/golang-lru/v2"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// maxSeqLen bounds attention cost; chunks are at most a few hundred
	// words so this rarely truncates.
	maxSeqLen = 256

	// DefaultDim is BGE-small-en-v1.5's output width.
	DefaultDim = 384

	// BatchSize is the maximum number of texts sent to ONNX in one
	// inference call; larger Embed() calls are split internally.
	BatchSize = 32

	// QueryPrefix is prepended to search queries (never to stored
	// document text) per BGE's asymmetric-retrieval recommendation.
	QueryPrefix = "Represent this sentence for searching relevant passages: "
)

// EmbedError wraps a model-load or inference failure. Callers that get an
// EmbedError must mark the affected rows failed, not leave them pending.
type EmbedError struct {
	Op  string
	Err error
}

func (e *EmbedError) Error() string { return fmt.Sprintf("embed: %s: %v", e.Op, e.Err) }
func (e *EmbedError) Unwrap() error { return e.Err }

// Model is the embedding contract consumed by the write pipeline, worker,
// and hybrid search. *Embedder implements it; tests substitute a fake.
type Model interface {
	Embed(texts []string) ([][]float32, error)
	EmbedQuery(query string) ([]float32, error)
	Dim() int
}

var _ Model = (*Embedder)(nil)

// Embedder encodes text into unit-norm dense vectors using a local ONNX
// model, fronted by an LRU cache keyed on a hash of the input text.
type Embedder struct {
	mu        sync.Mutex // serializes inference; ORT sessions are not safe for concurrent Run
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
	dim       int
	cache     *lru.Cache[[32]byte, []float32]
}

// Options configures New.
type Options struct {
	ModelDir   string // directory containing model.onnx + tokenizer.json
	OrtLibPath string // path to onnxruntime shared library; "" uses the system default
	NumThreads int     // intra-op threads; <=0 picks min(4, NumCPU)
	Dim        int     // expected output dimension; 0 defaults to DefaultDim
	CacheSize  int     // LRU capacity; 0 defaults to 1024
}

// New loads the ONNX model and tokenizer from opts.ModelDir. The model is
// loaded eagerly here (process start) rather than on first Embed call,
// since the engine always needs an embedder before it can serve writes.
func New(opts Options) (*Embedder, error) {
	dim := opts.Dim
	if dim == 0 {
		dim = DefaultDim
	}
	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = 1024
	}

	modelPath := filepath.Join(opts.ModelDir, "model.onnx")
	tokenPath := filepath.Join(opts.ModelDir, "tokenizer.json")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, &EmbedError{Op: "stat model", Err: err}
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, &EmbedError{Op: "stat tokenizer", Err: err}
	}

	if opts.OrtLibPath != "" {
		ort.SetSharedLibraryPath(opts.OrtLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, &EmbedError{Op: "init onnxruntime", Err: err}
	}

	numThreads := opts.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &EmbedError{Op: "session options", Err: err}
	}
	defer sessOpts.Destroy()
	if err := sessOpts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, &EmbedError{Op: "set intra threads", Err: err}
	}
	if err := sessOpts.SetInterOpNumThreads(1); err != nil {
		return nil, &EmbedError{Op: "set inter threads", Err: err}
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		sessOpts,
	)
	if err != nil {
		return nil, &EmbedError{Op: "create session", Err: err}
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, &EmbedError{Op: "load tokenizer", Err: err}
	}

	cache, err := lru.New[[32]byte, []float32](cacheSize)
	if err != nil {
		session.Destroy()
		tk.Close()
		return nil, fmt.Errorf("embed: new cache: %w", err)
	}

	return &Embedder{
		session:   session,
		tokenizer: tk,
		dim:       dim,
		cache:     cache,
	}, nil
}

// Close releases the ONNX session and tokenizer.
func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Dim reports the output vector dimension.
func (e *Embedder) Dim() int { return e.dim }

// Embed encodes document texts (no instruction prefix), checking the cache
// before running inference and splitting internally into BatchSize-sized
// ONNX calls.
func (e *Embedder) Embed(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		key := cacheKey(t)
		if v, ok := e.cache.Get(key); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	for start := 0; start < len(missTexts); start += BatchSize {
		end := start + BatchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		vecs, err := e.embedBatch(missTexts[start:end])
		if err != nil {
			return nil, &EmbedError{Op: "embed batch", Err: err}
		}
		for j, v := range vecs {
			idx := missIdx[start+j]
			out[idx] = v
			e.cache.Add(cacheKey(missTexts[start+j]), v)
		}
	}
	return out, nil
}

// EmbedQuery embeds a single search query, applying the BGE instruction
// prefix. Never use this for document/chunk content.
func (e *Embedder) EmbedQuery(query string) ([]float32, error) {
	vecs, err := e.Embed([]string{QueryPrefix + query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func cacheKey(text string) [32]byte {
	return sha256.Sum256([]byte(text))
}

type encodedText struct {
	ids  []int64
	mask []int64
}

func (e *Embedder) embedBatch(texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	batchSize := len(texts)
	encodedAll := make([]encodedText, batchSize)
	maxLen := 0
	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j := range ids {
			ids64[j] = int64(ids[j])
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		encodedAll[i] = encodedText{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, enc := range encodedAll {
		copy(flatIDs[i*maxLen:], enc.ids)
		copy(flatMask[i*maxLen:], enc.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputIDs, attnMask, typeIDs}, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type, want *Tensor[float32]")
	}
	outShape := hiddenTensor.GetShape()
	if len(outShape) != 3 || int(outShape[2]) != e.dim {
		return nil, fmt.Errorf("model output shape %v does not match expected dimension %d", outShape, e.dim)
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(outShape[1])

	vecs := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		v := make([]float32, e.dim)
		base := i * seqLen * e.dim
		copy(v, hidden[base:base+e.dim])
		l2Normalize(v)
		vecs[i] = v
	}
	return vecs, nil
}

func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
