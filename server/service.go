package server

import (
	"fmt"
	"go/token"
	"reflect"
	"sort"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service is a receiver whose exported methods of the form
//
//	func (t *T) Method(args *Args, reply *Reply) error
//
// can be called remotely as "T.Method".
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for callable methods. name overrides the type name
// when non-empty.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	if !token.IsExported(name) {
		return nil, fmt.Errorf("rpc: service name %q is not exported", name)
	}

	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: suitableMethods(typ),
	}
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no exported methods of suitable type", typ)
	}
	return svc, nil
}

// suitableMethods keeps methods taking (receiver, *Args, *Reply) and
// returning a single error.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		if mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		methods[m.Name] = &methodType{
			method:    m,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
	return methods
}

// methodNames lists the callable methods, sorted.
func (s *service) methodNames() []string {
	names := make([]string, 0, len(s.method))
	for name := range s.method {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// call invokes the method through reflection.
func (s *service) call(mType *methodType, argv, replyv reflect.Value) error {
	results := mType.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}
