package gpm

import (
	"strconv"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// DefaultMetricIDs are the GPM metrics published per device.
var DefaultMetricIDs = []nvml.GpmMetricId{
	nvml.GPM_METRIC_GRAPHICS_UTIL,
	nvml.GPM_METRIC_SM_UTIL,
	nvml.GPM_METRIC_SM_OCCUPANCY,
	nvml.GPM_METRIC_INTEGER_UTIL,
	nvml.GPM_METRIC_ANY_TENSOR_UTIL,
	nvml.GPM_METRIC_DFMA_TENSOR_UTIL,
	nvml.GPM_METRIC_HMMA_TENSOR_UTIL,
	nvml.GPM_METRIC_IMMA_TENSOR_UTIL,
	nvml.GPM_METRIC_DRAM_BW_UTIL,
	nvml.GPM_METRIC_FP64_UTIL,
	nvml.GPM_METRIC_FP32_UTIL,
	nvml.GPM_METRIC_FP16_UTIL,
}

type metricName struct {
	name string
	help string
}

var metricNames = map[nvml.GpmMetricId]metricName{
	nvml.GPM_METRIC_GRAPHICS_UTIL:    {"graphics_util", "percentage of time any compute or graphics engine was active"},
	nvml.GPM_METRIC_SM_UTIL:          {"sm_util", "percentage of SMs that were busy"},
	nvml.GPM_METRIC_SM_OCCUPANCY:     {"sm_occupancy", "percentage of warps resident on SMs relative to the maximum"},
	nvml.GPM_METRIC_INTEGER_UTIL:     {"integer_util", "percentage of time the integer pipe was active"},
	nvml.GPM_METRIC_ANY_TENSOR_UTIL:  {"any_tensor_util", "percentage of time any tensor pipe was active"},
	nvml.GPM_METRIC_DFMA_TENSOR_UTIL: {"dfma_tensor_util", "percentage of time the DFMA tensor pipe was active"},
	nvml.GPM_METRIC_HMMA_TENSOR_UTIL: {"hmma_tensor_util", "percentage of time the HMMA tensor pipe was active"},
	nvml.GPM_METRIC_IMMA_TENSOR_UTIL: {"imma_tensor_util", "percentage of time the IMMA tensor pipe was active"},
	nvml.GPM_METRIC_DRAM_BW_UTIL:     {"dram_bw_util", "percentage of peak DRAM bandwidth used"},
	nvml.GPM_METRIC_FP64_UTIL:        {"fp64_util", "percentage of time the FP64 pipe was active"},
	nvml.GPM_METRIC_FP32_UTIL:        {"fp32_util", "percentage of time the FP32 pipe was active"},
	nvml.GPM_METRIC_FP16_UTIL:        {"fp16_util", "percentage of time the FP16 pipe was active"},
}

func nameOf(id nvml.GpmMetricId) metricName {
	if n, ok := metricNames[id]; ok {
		return n
	}
	n := strconv.FormatUint(uint64(id), 10)
	return metricName{name: "metric_" + n, help: "GPM metric " + n}
}
