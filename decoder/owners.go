package decoder

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"weak"

	"github.com/xaionaro-go/asyncdecoder"
)

// engineOwners tracks which session exclusively owns which engine.
//
// Neither the engine nor the session is strongly referenced from here, so an
// abandoned session can still be garbage collected (and reported by its
// finalizer).
var engineOwners sync.Map // engineKey -> weak.Pointer[Session]

type engineKey struct {
	Type    reflect.Type
	Pointer uintptr
	Value   any
}

func engineKeyOf(engine asyncdecoder.Engine) (engineKey, error) {
	v := reflect.ValueOf(engine)
	if v.Kind() == reflect.Pointer {
		return engineKey{Type: v.Type(), Pointer: v.Pointer()}, nil
	}
	if !v.Comparable() {
		return engineKey{}, fmt.Errorf("engine of type %T is not comparable, use a pointer to it instead", engine)
	}
	return engineKey{Type: v.Type(), Value: engine}, nil
}

func claimEngine(engine asyncdecoder.Engine, s *Session) error {
	key, err := engineKeyOf(engine)
	if err != nil {
		return err
	}
	owner := weak.Make(s)
	for {
		prev, loaded := engineOwners.LoadOrStore(key, owner)
		if !loaded {
			return nil
		}
		if prevOwner := prev.(weak.Pointer[Session]).Value(); prevOwner != nil {
			return fmt.Errorf("engine %T is already owned by session %p", engine, prevOwner)
		}
		// the previous owner was garbage collected without being closed
		engineOwners.CompareAndDelete(key, prev)
	}
}

// forgetEngineOnCollect drops the ownership record once s is garbage collected.
func forgetEngineOnCollect(engine asyncdecoder.Engine, s *Session) {
	key, err := engineKeyOf(engine)
	if err != nil {
		return
	}
	runtime.AddCleanup(s, func(owner weak.Pointer[Session]) {
		engineOwners.CompareAndDelete(key, owner)
	}, weak.Make(s))
}

func releaseEngine(engine asyncdecoder.Engine, s *Session) {
	key, err := engineKeyOf(engine)
	if err != nil {
		return
	}
	engineOwners.CompareAndDelete(key, weak.Make(s))
}
