package handler

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/cart-inventory/internal/core/domain"
)

const cartServiceName = "cart.v1.CartService"

type AddItemRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
}

type UpdateItemRequest struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Action    string `json:"action"`
}

type DeleteItemRequest struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
}

type GetCartRequest struct {
	UserID string `json:"user_id"`
}

type CartResponse struct {
	Cart *domain.CartView `json:"cart"`
}

type UpdateItemResponse struct {
	Line    *domain.CartLine `json:"line,omitempty"`
	Removed bool             `json:"removed"`
	Cart    *domain.CartView `json:"cart"`
}

type CartServiceServer interface {
	AddItem(ctx context.Context, req *AddItemRequest) (*CartResponse, error)
	UpdateItem(ctx context.Context, req *UpdateItemRequest) (*UpdateItemResponse, error)
	DeleteItem(ctx context.Context, req *DeleteItemRequest) (*CartResponse, error)
	GetCart(ctx context.Context, req *GetCartRequest) (*CartResponse, error)
}

type GRPCHandler struct {
	cartService CartService
	log         zerolog.Logger
}

var _ CartServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(cartService CartService, log zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{cartService: cartService, log: log}
}

func (h *GRPCHandler) AddItem(ctx context.Context, req *AddItemRequest) (*CartResponse, error) {
	view, err := h.cartService.AddItemOnce(ctx, req.RequestID, req.UserID, req.ProductID)
	if err != nil {
		return nil, h.toStatus("AddItem", err)
	}
	return &CartResponse{Cart: view}, nil
}

func (h *GRPCHandler) UpdateItem(ctx context.Context, req *UpdateItemRequest) (*UpdateItemResponse, error) {
	update, err := h.cartService.UpdateItem(ctx, req.UserID, req.ProductID, req.Action)
	if err != nil {
		return nil, h.toStatus("UpdateItem", err)
	}
	return &UpdateItemResponse{Line: update.Line, Removed: update.Removed, Cart: update.Cart}, nil
}

func (h *GRPCHandler) DeleteItem(ctx context.Context, req *DeleteItemRequest) (*CartResponse, error) {
	view, err := h.cartService.DeleteItem(ctx, req.UserID, req.ProductID)
	if err != nil {
		return nil, h.toStatus("DeleteItem", err)
	}
	return &CartResponse{Cart: view}, nil
}

func (h *GRPCHandler) GetCart(ctx context.Context, req *GetCartRequest) (*CartResponse, error) {
	view, err := h.cartService.GetCart(ctx, req.UserID)
	if err != nil {
		return nil, h.toStatus("GetCart", err)
	}
	return &CartResponse{Cart: view}, nil
}

func (h *GRPCHandler) toStatus(method string, err error) error {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		h.log.Error().Err(err).Str("method", method).Msg("rpc failed")
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(grpcCode(kind), err.Error())
}

func grpcCode(kind domain.Kind) codes.Code {
	switch kind {
	case domain.KindNotFound, domain.KindLineNotFound:
		return codes.NotFound
	case domain.KindOutOfStock:
		return codes.FailedPrecondition
	case domain.KindInvalidArgument:
		return codes.InvalidArgument
	case domain.KindConflict:
		return codes.Aborted
	case domain.KindDuplicateRequest:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

func RegisterCartServiceServer(s grpc.ServiceRegistrar, srv CartServiceServer) {
	s.RegisterService(&cartServiceDesc, srv)
}

var cartServiceDesc = grpc.ServiceDesc{
	ServiceName: cartServiceName,
	HandlerType: (*CartServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddItem", Handler: addItemHandler},
		{MethodName: "UpdateItem", Handler: updateItemHandler},
		{MethodName: "DeleteItem", Handler: deleteItemHandler},
		{MethodName: "GetCart", Handler: getCartHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func addItemHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AddItemRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).AddItem(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + cartServiceName + "/AddItem"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CartServiceServer).AddItem(ctx, req.(*AddItemRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateItemHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateItemRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).UpdateItem(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + cartServiceName + "/UpdateItem"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CartServiceServer).UpdateItem(ctx, req.(*UpdateItemRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteItemHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteItemRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).DeleteItem(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + cartServiceName + "/DeleteItem"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CartServiceServer).DeleteItem(ctx, req.(*DeleteItemRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getCartHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetCartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CartServiceServer).GetCart(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + cartServiceName + "/GetCart"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CartServiceServer).GetCart(ctx, req.(*GetCartRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CartClient calls a remote CartServiceServer.
type CartClient struct {
	cc grpc.ClientConnInterface
}

func NewCartClient(cc grpc.ClientConnInterface) *CartClient {
	return &CartClient{cc: cc}
}

func (c *CartClient) AddItem(ctx context.Context, req *AddItemRequest, opts ...grpc.CallOption) (*CartResponse, error) {
	out := new(CartResponse)
	if err := c.invoke(ctx, "AddItem", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartClient) UpdateItem(ctx context.Context, req *UpdateItemRequest, opts ...grpc.CallOption) (*UpdateItemResponse, error) {
	out := new(UpdateItemResponse)
	if err := c.invoke(ctx, "UpdateItem", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartClient) DeleteItem(ctx context.Context, req *DeleteItemRequest, opts ...grpc.CallOption) (*CartResponse, error) {
	out := new(CartResponse)
	if err := c.invoke(ctx, "DeleteItem", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartClient) GetCart(ctx context.Context, req *GetCartRequest, opts ...grpc.CallOption) (*CartResponse, error) {
	out := new(CartResponse)
	if err := c.invoke(ctx, "GetCart", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CartClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+cartServiceName+"/"+method, in, out, opts...)
}
