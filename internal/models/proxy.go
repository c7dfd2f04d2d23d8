package models

// ProxyDetail is one entry of a detailed get_proxy_list reply
type ProxyDetail struct {
	Addr    string `json:"addr"`
	Success int    `json:"success"`
	Fail    int    `json:"fail"`
}

// AddProxiesRequest is the payload of add_proxy
type AddProxiesRequest struct {
	Proxies []string `json:"proxies" validate:"required,min=1,dive,required"`
}

// ProxyListReply is the reply to get_proxy_list. Details is set only when
// detail was requested.
type ProxyListReply struct {
	Proxies []string      `json:"proxies"`
	Details []ProxyDetail `json:"details,omitempty"`
}
