package common

import (
	"reflect"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/option"
)

var SonicCfg sonic.API

func init() {
	for _, t := range []reflect.Type{
		reflect.TypeOf(IndexingMetadata{}),
		reflect.TypeOf(Order{}),
		reflect.TypeOf(OrdersResult{}),
	} {
		if err := sonic.Pretouch(t, option.WithCompileMaxInlineDepth(1)); err != nil {
			panic(err)
		}
	}
	SonicCfg = sonic.Config{
		CopyString:           true,
		NoQuoteTextMarshaler: true,
		EscapeHTML:           false,
		SortMapKeys:          false,
		CompactMarshaler:     true,
		ValidateString:       false,
	}.Froze()
}
