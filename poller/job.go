package poller

import (
	"sort"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
)

// Job 按固定间隔采集设备的一段连续寄存器
type Job struct {
	DeviceID  string
	Type      string
	Start     uint16
	Count     uint16
	Interval  time.Duration
	Registers []*tpconfig.RegisterMap

	next    time.Time
	index   int // 堆中位置，不在队列中时为 -1
	running bool
	rerun   bool // 本次采集完成后立即再次采集
}

// Command 返回该范围的读请求
func (j *Job) Command() *modbus.MasterCommand {
	return modbus.NewReadCommand(j.Registers[0].ReadFunctionCode(), j.Start, j.Count)
}

// Covers 是否读取指定类型的地址范围
func (j *Job) Covers(regType string, address, count uint16) bool {
	return j.Type == regType &&
		uint32(address) < uint32(j.Start)+uint32(j.Count) &&
		uint32(address)+uint32(count) > uint32(j.Start)
}

func (j *Job) end() uint32 {
	return uint32(j.Start) + uint32(j.Count)
}

func limitFor(regType string) uint32 {
	if regType == tpconfig.RegisterCoil || regType == tpconfig.RegisterDiscrete {
		return modbus.MaxReadBits
	}
	return modbus.MaxReadRegisters
}

// BuildJobs 将设备的寄存器映射合并为采集任务。类型和间隔相同、地址相邻或重叠的映射
// 合并为一次读取，合并后不超过Modbus数量上限
func BuildJobs(dev *tpconfig.Device) []*Job {
	type groupKey struct {
		regType  string
		interval time.Duration
	}
	groups := make(map[groupKey][]*tpconfig.RegisterMap)
	var keys []groupKey
	for _, r := range dev.Registers {
		k := groupKey{r.Type, r.Interval}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}

	var jobs []*Job
	for _, k := range keys {
		regs := groups[k]
		sort.SliceStable(regs, func(i, j int) bool { return regs[i].Address < regs[j].Address })

		var cur *Job
		for _, r := range regs {
			if cur != nil && uint32(r.Address) <= cur.end() {
				end := cur.end()
				if r.End() > end {
					end = r.End()
				}
				if end-uint32(cur.Start) <= limitFor(k.regType) {
					cur.Count = uint16(end - uint32(cur.Start))
					cur.Registers = append(cur.Registers, r)
					continue
				}
			}
			cur = &Job{
				DeviceID:  dev.ID,
				Type:      k.regType,
				Start:     r.Address,
				Count:     r.Length(),
				Interval:  k.interval,
				Registers: []*tpconfig.RegisterMap{r},
				index:     -1,
			}
			jobs = append(jobs, cur)
		}
	}
	return jobs
}

// jobQueue 按下次采集时间排序的最小堆
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool { return q[i].next.Before(q[j].next) }

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}
