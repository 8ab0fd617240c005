package dataset

import "fmt"

// PrepareOptions drives Prepare. Label or LabelIndex selects the label column;
// Label wins when both are set.
type PrepareOptions struct {
	Label      string
	LabelIndex int
	Drop       []string

	TextColumn    string
	Tokenizer     TokenizerOptions
	VocabMinCount int

	Ratio   float64
	Seed    int64
	HashKey string
}

// Prepared is the output of Prepare, ready for UploadChannels.
type Prepared struct {
	Train      *Table
	Validation *Table
	// Vocab is built from the train part only; nil unless VocabMinCount > 0.
	Vocab Vocab
}

// Channels keys the parts by their conventional channel names.
func (p *Prepared) Channels() map[string]*Table {
	return map[string]*Table{"train": p.Train, "validation": p.Validation}
}

// Prepare splits t, then tokenizes, drops columns and moves the label first in
// each part.
func Prepare(t *Table, opts PrepareOptions) (*Prepared, error) {
	ratio := opts.Ratio
	if ratio == 0 {
		ratio = DefaultTrainRatio
	}
	if opts.Label == "" && (opts.LabelIndex < 0 || opts.LabelIndex >= t.Width()) {
		return nil, fmt.Errorf("label column index %d out of range [0,%d)", opts.LabelIndex, t.Width())
	}
	// 有表头时先把下标解析成列名，删列之后下标会移动
	if opts.Label == "" && t.Header != nil {
		opts.Label = t.Header[opts.LabelIndex]
	}
	for _, d := range opts.Drop {
		if opts.Label != "" && d == opts.Label {
			return nil, fmt.Errorf("label column %q cannot be dropped", d)
		}
	}

	var (
		train, validation *Table
		err               error
	)
	if opts.HashKey != "" {
		train, validation, err = HashSplit(t, opts.HashKey, ratio)
	} else {
		train, validation, err = Split(t, ratio, opts.Seed)
	}
	if err != nil {
		return nil, err
	}

	out := &Prepared{}
	if opts.TextColumn != "" && opts.VocabMinCount > 0 {
		tokenized, err := Tokenize(train, opts.TextColumn, opts.Tokenizer)
		if err != nil {
			return nil, err
		}
		if out.Vocab, err = BuildVocab(tokenized, opts.TextColumn, opts.VocabMinCount); err != nil {
			return nil, err
		}
	}

	if out.Train, err = prepareOne(train, opts, out.Vocab); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	if out.Validation, err = prepareOne(validation, opts, out.Vocab); err != nil {
		return nil, fmt.Errorf("validation: %v", err)
	}
	return out, nil
}

func prepareOne(t *Table, opts PrepareOptions, vocab Vocab) (*Table, error) {
	// 无表头的空分片没有列宽可言，原样返回
	if t.Header == nil && t.Len() == 0 {
		return &Table{}, nil
	}
	var err error
	if opts.TextColumn != "" {
		if t, err = Tokenize(t, opts.TextColumn, opts.Tokenizer); err != nil {
			return nil, err
		}
		if vocab != nil {
			if t, err = Encode(t, opts.TextColumn, vocab); err != nil {
				return nil, err
			}
		}
	}
	if len(opts.Drop) > 0 {
		if t, err = DropColumns(t, opts.Drop...); err != nil {
			return nil, err
		}
	}
	if opts.Label != "" {
		return MoveColumnFirst(t, opts.Label)
	}
	return MoveColumnIndexFirst(t, opts.LabelIndex)
}
