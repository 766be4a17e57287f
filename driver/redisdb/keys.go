package redisdb

import (
	"github.com/google/uuid"
)

// keys builds every key the driver touches under one prefix.
//
//	{p}:wf:{id}                 workflow record (JSON)
//	{p}:wf:{id}:history         hash location -> event (JSON)
//	{p}:wake:{name}             zset id, score 0 (immediate) or deadline ms
//	{p}:wait:sig:{signal}       set of ids waiting on a signal name
//	{p}:wait:sub:{id}           set of parent ids waiting on a sub-workflow
//	{p}:tag:{k}={v}             set of ids carrying a tag
//	{p}:name:{name}             set of ids with a workflow name
//	{p}:all                     set of every id
//	{p}:signals                 hash signal id -> signal (JSON)
//	{p}:signal_seq              publish sequence
//	{p}:sig:wf:{id}             zset signal ids addressed to a workflow, by seq
//	{p}:sig:tagged:{signal}     zset tagged signal ids with a name, by seq
//	{p}:leases                  zset workflow id, score lease expiry ms
//	{p}:worker:{wid}:leases     set of ids leased by a worker
//	{p}:workers                 hash worker id -> last ping ms
type keys struct {
	p string
}

func (k keys) workflow(id uuid.UUID) string { return k.p + ":wf:" + id.String() }
func (k keys) history(id uuid.UUID) string { return k.p + ":wf:" + id.String() + ":history" }
func (k keys) wake(name string) string { return k.p + ":wake:" + name }
func (k keys) waitSignal(name string) string { return k.p + ":wait:sig:" + name }
func (k keys) waitSub(id uuid.UUID) string { return k.p + ":wait:sub:" + id.String() }
func (k keys) tag(key, value string) string { return k.p + ":tag:" + key + "=" + value }
func (k keys) name(name string) string { return k.p + ":name:" + name }
func (k keys) all() string { return k.p + ":all" }
func (k keys) signals() string { return k.p + ":signals" }
func (k keys) signalSeq() string { return k.p + ":signal_seq" }
func (k keys) signalsTo(id uuid.UUID) string { return k.p + ":sig:wf:" + id.String() }
func (k keys) signalsTagged(name string) string { return k.p + ":sig:tagged:" + name }
func (k keys) leases() string { return k.p + ":leases" }
func (k keys) workerLeases(wid uuid.UUID) string {
	return k.p + ":worker:" + wid.String() + ":leases"
}
func (k keys) workers() string { return k.p + ":workers" }
