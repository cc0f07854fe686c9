package simulator

// A Switcher is a switching algorithm that determines how
// rapidly data flows in a graph of nodes.
// One job of the Switcher is to decide how to deal with
// oversubscription.
type Switcher interface {
	// Apply the switching algorithm to compute the
	// transfer rates of every connection.
	//
	// The mat argument is passed in with 1's wherever a
	// node wants to send data to another node, and 0's
	// everywhere else.
	//
	// When the function returns, mat indicates the rate
	// of data between every pair of nodes.
	SwitchedRates(mat *ConnMat)
}

// A GreedyDropSwitcher emulates a switch where outgoing
// data is spread evenly across a node's outputs, and
// inputs to a node are dropped uniformly at random when a
// node is oversubscribed.
//
// This is equivalent to first normalizing the rows of a
// connection matrix, and then normalizing the columns.
type GreedyDropSwitcher struct {
	SendRates []float64
	RecvRates []float64
}

// NewGreedyDropSwitcher creates a GreedyDropSwitcher with
// uniform upload and download rates across all nodes.
func NewGreedyDropSwitcher(numNodes int, rate float64) *GreedyDropSwitcher {
	rates := make([]float64, numNodes)
	for i := range rates {
		rates[i] = rate
	}
	return &GreedyDropSwitcher{
		SendRates: rates,
		RecvRates: rates,
	}
}

// NumNodes gets the number of nodes the switch expects.
func (g *GreedyDropSwitcher) NumNodes() int {
	return len(g.SendRates)
}

// SwitchedRates performs the switching algorithm.
func (g *GreedyDropSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != g.NumNodes() {
		panic("unexpected number of nodes")
	}

	for src := 0; src < g.NumNodes(); src++ {
		numDests := mat.SumSource(src)
		if numDests > 0 {
			mat.ScaleSource(src, g.SendRates[src]/numDests)
		}
	}

	for dst := 0; dst < g.NumNodes(); dst++ {
		incomingRate := mat.SumDest(dst)
		if incomingRate > g.RecvRates[dst] {
			mat.ScaleDest(dst, g.RecvRates[dst]/incomingRate)
		}
	}
}

// A HostSwitcher models devices packed onto hosts.
//
// Nodes are assigned to hosts in consecutive blocks of
// DevicesPerHost. Traffic between two devices on the same
// host travels over the intra-node link (IntraRate) and
// never touches the host NIC. Traffic between hosts is
// limited by the NIC of each host (InterRate), shared by
// every device on that host.
type HostSwitcher struct {
	NumDevices     int
	DevicesPerHost int
	IntraRate      float64
	InterRate      float64
}

// NewHostSwitcher creates a HostSwitcher.
func NewHostSwitcher(numDevices, devicesPerHost int, intraRate, interRate float64) *HostSwitcher {
	if devicesPerHost < 1 {
		devicesPerHost = 1
	}
	return &HostSwitcher{
		NumDevices:     numDevices,
		DevicesPerHost: devicesPerHost,
		IntraRate:      intraRate,
		InterRate:      interRate,
	}
}

// Host returns the host index of a device.
func (h *HostSwitcher) Host(device int) int {
	return device / h.DevicesPerHost
}

// SwitchedRates performs the switching algorithm.
func (h *HostSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != h.NumDevices {
		panic("unexpected number of nodes")
	}
	n := h.NumDevices
	numHosts := (n + h.DevicesPerHost - 1) / h.DevicesPerHost
	sendLinks := make([]float64, numHosts)
	recvLinks := make([]float64, numHosts)
	intraCount := make([]float64, n)

	for src := 0; src < n; src++ {
		for dst := 0; dst < n; dst++ {
			if mat.Get(src, dst) == 0 {
				continue
			}
			if h.Host(src) == h.Host(dst) {
				intraCount[src]++
			} else {
				sendLinks[h.Host(src)]++
				recvLinks[h.Host(dst)]++
			}
		}
	}

	for src := 0; src < n; src++ {
		for dst := 0; dst < n; dst++ {
			if mat.Get(src, dst) == 0 {
				continue
			}
			srcHost, dstHost := h.Host(src), h.Host(dst)
			if srcHost == dstHost {
				mat.Set(src, dst, h.IntraRate/intraCount[src])
				continue
			}
			upload := h.InterRate / sendLinks[srcHost]
			download := h.InterRate / recvLinks[dstHost]
			if download < upload {
				upload = download
			}
			mat.Set(src, dst, upload)
		}
	}
}
